// Package message defines the records exchanged between the bridge server and
// the capture agent.
//
// Every record is a JSON object sent as one websocket text frame. Requests and
// responses are correlated by ID; chunk records carry one large response body
// in pieces; ping/pong are the application-level heartbeat.
package message

import (
	"encoding/json"
	"fmt"
)

// Frame type discriminants carried in the "type" field.
const (
	TypeRequest       = "request"
	TypeResponse      = "response"
	TypeChunkHeader   = "chunk_header"
	TypeChunkData     = "chunk_data"
	TypeChunkComplete = "chunk_complete"
	TypePing          = "ping"
	TypePong          = "pong"
)

// Request asks the capture agent to run one operation.
//
// On the wire the parameters sit next to id and operation:
//
//	{"id":"3","operation":"capture_element","selector":"#main","padding":8}
type Request struct {
	ID        string
	Operation string
	Params    map[string]any
}

func (r Request) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Params)+2)
	for k, v := range r.Params {
		out[k] = v
	}
	out["id"] = r.ID
	out["operation"] = r.Operation
	return json.Marshal(out)
}

func (r *Request) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	id, ok := raw["id"].(string)
	if !ok {
		return fmt.Errorf("request id must be a string")
	}
	op, ok := raw["operation"].(string)
	if !ok {
		return fmt.Errorf("request operation must be a string")
	}
	delete(raw, "id")
	delete(raw, "operation")
	delete(raw, "type")
	r.ID = id
	r.Operation = op
	r.Params = raw
	return nil
}

// Response answers exactly one Request with the same ID. Data is the
// operation-specific result object, kept raw so the bridge never re-encodes
// large payloads.
type Response struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Failure builds an unsuccessful response for id.
func Failure(id string, format string, args ...any) *Response {
	return &Response{ID: id, Error: fmt.Sprintf(format, args...)}
}

// ChunkHeader announces a response body that follows as TotalChunks pieces.
type ChunkHeader struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	TotalChunks int    `json:"totalChunks"`
	TotalSize   int    `json:"totalSize"`
}

func NewChunkHeader(id string, totalChunks, totalSize int) *ChunkHeader {
	return &ChunkHeader{Type: TypeChunkHeader, ID: id, TotalChunks: totalChunks, TotalSize: totalSize}
}

// ChunkData is one index-addressed piece of a chunked body.
type ChunkData struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	ChunkIndex int    `json:"chunkIndex"`
	Data       string `json:"data"`
}

func NewChunkData(id string, index int, data string) *ChunkData {
	return &ChunkData{Type: TypeChunkData, ID: id, ChunkIndex: index, Data: data}
}

// ChunkComplete closes a chunked transfer.
type ChunkComplete struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func NewChunkComplete(id string) *ChunkComplete {
	return &ChunkComplete{Type: TypeChunkComplete, ID: id}
}

// Heartbeat is an application-level ping or pong.
type Heartbeat struct {
	Type string `json:"type"`
}

var (
	Ping = &Heartbeat{Type: TypePing}
	Pong = &Heartbeat{Type: TypePong}
)
