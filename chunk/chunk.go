// Package chunk moves response bodies that exceed the per-frame safety limit.
//
// The sender pushes a header, the pieces in index order, and a completion
// marker; there is no per-chunk acknowledgment:
//
//	chunk_header{id, totalChunks, totalSize}
//	chunk_data{id, 0, ...} chunk_data{id, 1, ...} ... chunk_data{id, n-1, ...}
//	chunk_complete{id}
//
// The receiver stores each piece at its index, so reassembly does not depend
// on arrival order, and joins the slots when the completion marker arrives.
package chunk

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"magiceye/message"
)

// DefaultSize bounds a single chunk_data payload.
const DefaultSize = 256 << 10

// MaxChunks bounds the slot table a header may request.
const MaxChunks = 1 << 16

// ErrNotChunked is returned by Send when the payload fits in one frame.
var ErrNotChunked = errors.New("payload fits in a single frame")

// FrameWriter writes one record as one frame.
type FrameWriter interface {
	WriteFrame(v any) error
}

// Count returns how many chunks of at most size bytes hold n bytes.
func Count(n, size int) int {
	if n <= 0 {
		return 0
	}
	return (n + size - 1) / size
}

// Split cuts payload into pieces of at most size bytes. A cut never lands
// inside a UTF-8 sequence because pieces travel as JSON strings; for ASCII
// payloads (base64 images, JSON text without multibyte runes) every piece but
// the last is exactly size bytes.
func Split(payload []byte, size int) [][]byte {
	if size <= 0 {
		size = DefaultSize
	}
	pieces := make([][]byte, 0, Count(len(payload), size))
	for len(payload) > 0 {
		n := size
		if n >= len(payload) {
			n = len(payload)
		} else {
			// Back off to a rune start. size >= utf8.UTFMax keeps n > 0.
			for n > 0 && !utf8.RuneStart(payload[n]) {
				n--
			}
			if n == 0 {
				n = size
			}
		}
		pieces = append(pieces, payload[:n])
		payload = payload[n:]
	}
	return pieces
}

// Send streams payload to w as a chunked transfer for id. It returns
// ErrNotChunked without writing anything when len(payload) <= size.
func Send(w FrameWriter, id string, payload []byte, size int) error {
	if size <= 0 {
		size = DefaultSize
	}
	if len(payload) <= size {
		return ErrNotChunked
	}
	pieces := Split(payload, size)
	if err := w.WriteFrame(message.NewChunkHeader(id, len(pieces), len(payload))); err != nil {
		return fmt.Errorf("chunk header: %w", err)
	}
	for i, piece := range pieces {
		if err := w.WriteFrame(message.NewChunkData(id, i, string(piece))); err != nil {
			return fmt.Errorf("chunk %d/%d: %w", i, len(pieces), err)
		}
	}
	if err := w.WriteFrame(message.NewChunkComplete(id)); err != nil {
		return fmt.Errorf("chunk complete: %w", err)
	}
	return nil
}
