// Package codec turns bridge records into frame bodies and back.
//
// The bridge speaks one textual record per websocket frame, so JSON is the
// only codec on the wire today. The interface stays so tests and tooling can
// swap in an instrumented codec without touching the protocol layer.
package codec

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

func GetCodec(codecType CodecType) Codec {
	return &JSONCodec{}
}
