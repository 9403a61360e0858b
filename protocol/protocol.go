// Package protocol implements the bridge frame format.
//
// Each websocket text frame holds one JSON object. The receiver classifies the
// object before decoding it into a concrete record:
//
//	"type"                          record
//	──────────────────────────────  ─────────────────────
//	ping / pong                     message.Heartbeat
//	chunk_header                    message.ChunkHeader
//	chunk_data                      message.ChunkData
//	chunk_complete                  message.ChunkComplete
//	request, absent, or unknown     message.Request   (needs "operation")
//	response, absent, or unknown    message.Response  (needs "success")
//
// Everything except ping/pong must carry a non-empty string "id". Frames that
// fail classification are rejected with ErrMalformedFrame; the connection
// owner logs and drops them, it never tears the link down for one bad frame.
package protocol

import (
	"fmt"

	"github.com/tidwall/gjson"

	"magiceye/codec"
	"magiceye/message"
)

// Frame is one decoded record. Exactly one of the pointer fields is set,
// matching Type.
type Frame struct {
	Type          string
	ID            string
	Request       *message.Request
	Response      *message.Response
	ChunkHeader   *message.ChunkHeader
	ChunkData     *message.ChunkData
	ChunkComplete *message.ChunkComplete
}

var wireCodec = codec.GetCodec(codec.CodecTypeJSON)

// Encode serializes a record from package message into a frame body.
func Encode(v any) ([]byte, error) {
	return wireCodec.Encode(v)
}

// Decode classifies and decodes one frame body. Unknown fields are ignored.
func Decode(data []byte) (*Frame, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrMalformedFrame)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedFrame)
	}

	typ := root.Get("type").String()
	if typ == message.TypePing || typ == message.TypePong {
		return &Frame{Type: typ}, nil
	}

	id := root.Get("id")
	if id.Type != gjson.String || id.Str == "" {
		return nil, fmt.Errorf("%w: %q frame without id", ErrMalformedFrame, typ)
	}

	frame := &Frame{Type: typ, ID: id.Str}
	var target any
	switch typ {
	case message.TypeChunkHeader:
		frame.ChunkHeader = &message.ChunkHeader{}
		target = frame.ChunkHeader
	case message.TypeChunkData:
		frame.ChunkData = &message.ChunkData{}
		target = frame.ChunkData
	case message.TypeChunkComplete:
		frame.ChunkComplete = &message.ChunkComplete{}
		target = frame.ChunkComplete
	default:
		switch {
		case root.Get("operation").Exists():
			frame.Type = message.TypeRequest
			frame.Request = &message.Request{}
			target = frame.Request
		case root.Get("success").Exists():
			frame.Type = message.TypeResponse
			frame.Response = &message.Response{}
			target = frame.Response
		default:
			return nil, fmt.Errorf("%w: unrecognized frame type %q", ErrMalformedFrame, typ)
		}
	}

	if err := wireCodec.Decode(data, target); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, frame.Type, err)
	}
	return frame, nil
}
