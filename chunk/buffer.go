package chunk

import (
	"bytes"
	"fmt"

	"magiceye/message"
	"magiceye/protocol"
)

// Buffer collects the pieces of one transfer.
type Buffer struct {
	id        string
	totalSize int
	slots     [][]byte
	filled    []bool
	received  int
}

// NewBuffer allocates the slot table announced by h.
func NewBuffer(h *message.ChunkHeader) (*Buffer, error) {
	if h.TotalChunks <= 0 || h.TotalChunks > MaxChunks {
		return nil, fmt.Errorf("%w: totalChunks %d out of range", protocol.ErrIncompleteTransfer, h.TotalChunks)
	}
	if h.TotalSize < 0 {
		return nil, fmt.Errorf("%w: negative totalSize", protocol.ErrIncompleteTransfer)
	}
	return &Buffer{
		id:        h.ID,
		totalSize: h.TotalSize,
		slots:     make([][]byte, h.TotalChunks),
		filled:    make([]bool, h.TotalChunks),
	}, nil
}

// Put stores data at index. A repeated index replaces the earlier piece.
func (b *Buffer) Put(index int, data []byte) error {
	if index < 0 || index >= len(b.slots) {
		return fmt.Errorf("chunk index %d outside [0,%d)", index, len(b.slots))
	}
	if !b.filled[index] {
		b.filled[index] = true
		b.received++
	}
	b.slots[index] = data
	return nil
}

func (b *Buffer) Received() int { return b.received }

func (b *Buffer) Total() int { return len(b.slots) }

func (b *Buffer) Complete() bool { return b.received == len(b.slots) }

// TotalSize is the size the header announced. Peers may count it in other
// units than bytes, so it is advisory.
func (b *Buffer) TotalSize() int { return b.totalSize }

// Assemble joins the slots in index order. A missing slot is the only
// failure.
func (b *Buffer) Assemble() ([]byte, error) {
	if !b.Complete() {
		return nil, fmt.Errorf("%w: %d of %d chunks received", protocol.ErrIncompleteTransfer, b.received, len(b.slots))
	}
	return bytes.Join(b.slots, nil), nil
}

// Assembler tracks the open transfers of one receiver. It is not safe for
// concurrent use; the owner serializes access.
type Assembler struct {
	buffers map[string]*Buffer
}

func NewAssembler() *Assembler {
	return &Assembler{buffers: make(map[string]*Buffer)}
}

// Begin opens a buffer for h.ID, replacing any transfer already open for it.
func (a *Assembler) Begin(h *message.ChunkHeader) error {
	buf, err := NewBuffer(h)
	if err != nil {
		delete(a.buffers, h.ID)
		return err
	}
	a.buffers[h.ID] = buf
	return nil
}

// Add stores one piece. It reports false when no transfer is open for the id.
func (a *Assembler) Add(d *message.ChunkData) (bool, error) {
	buf, ok := a.buffers[d.ID]
	if !ok {
		return false, nil
	}
	return true, buf.Put(d.ChunkIndex, []byte(d.Data))
}

// Finish closes the transfer for id and returns its payload. The buffer is
// discarded whether or not assembly succeeds. It reports false when no
// transfer is open for the id.
func (a *Assembler) Finish(id string) ([]byte, bool, error) {
	buf, ok := a.buffers[id]
	if !ok {
		return nil, false, nil
	}
	delete(a.buffers, id)
	payload, err := buf.Assemble()
	return payload, true, err
}

func (a *Assembler) Drop(id string) {
	delete(a.buffers, id)
}

// Open returns the buffer for id, if any.
func (a *Assembler) Open(id string) (*Buffer, bool) {
	buf, ok := a.buffers[id]
	return buf, ok
}

func (a *Assembler) Len() int { return len(a.buffers) }
