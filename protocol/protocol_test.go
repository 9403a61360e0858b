package protocol

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magiceye/message"
)

func TestEncodeDecodeRequest(t *testing.T) {
	body, err := Encode(message.Request{
		ID:        "1",
		Operation: "capture_viewport",
		Params:    map[string]any{"format": "png"},
	})
	require.NoError(t, err)

	frame, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, message.TypeRequest, frame.Type)
	assert.Equal(t, "1", frame.ID)
	require.NotNil(t, frame.Request)
	assert.Equal(t, "capture_viewport", frame.Request.Operation)
	assert.Equal(t, "png", frame.Request.Params["format"])
}

func TestDecodeResponse(t *testing.T) {
	frame, err := Decode([]byte(`{"id":"5","success":false,"error":"No active tab found","extra":1}`))
	require.NoError(t, err)
	assert.Equal(t, message.TypeResponse, frame.Type)
	require.NotNil(t, frame.Response)
	assert.False(t, frame.Response.Success)
	assert.Equal(t, "No active tab found", frame.Response.Error)
}

func TestDecodeChunkFrames(t *testing.T) {
	for _, v := range []any{
		message.NewChunkHeader("8", 3, 600000),
		message.NewChunkData("8", 2, "abc"),
		message.NewChunkComplete("8"),
	} {
		body, err := Encode(v)
		require.NoError(t, err)

		frame, err := Decode(body)
		require.NoError(t, err)
		assert.Equal(t, "8", frame.ID)

		switch want := v.(type) {
		case *message.ChunkHeader:
			assert.Equal(t, want, frame.ChunkHeader)
		case *message.ChunkData:
			assert.Equal(t, want, frame.ChunkData)
		case *message.ChunkComplete:
			assert.Equal(t, want, frame.ChunkComplete)
		}
	}
}

func TestDecodeHeartbeatWithoutID(t *testing.T) {
	for _, typ := range []string{"ping", "pong"} {
		frame, err := Decode([]byte(fmt.Sprintf(`{"type":%q}`, typ)))
		require.NoError(t, err)
		assert.Equal(t, typ, frame.Type)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":          `{"id":`,
		"array":             `[1,2]`,
		"chunk without id":  `{"type":"chunk_data","chunkIndex":0,"data":"x"}`,
		"numeric id":        `{"id":7,"success":true}`,
		"no discriminant":   `{"id":"7","hello":true}`,
		"event without id":  `{"type":"auto_capture_event","data":{}}`,
		"bad chunk field":   `{"type":"chunk_header","id":"1","totalChunks":"many"}`,
		"bad response data": `{"id":"1","success":"yes"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedFrame))
			assert.Equal(t, "MALFORMED_FRAME", KindOf(err))
		})
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, "", KindOf(nil))
	assert.Equal(t, "", KindOf(errors.New("other")))
	assert.Equal(t, "PEER_UNAVAILABLE", KindOf(fmt.Errorf("send: %w", ErrPeerUnavailable)))

	lost := fmt.Errorf("%w: %w", ErrConnectionLost, ErrHeartbeatTimeout)
	assert.Equal(t, "CONNECTION_LOST", KindOf(lost))
	assert.True(t, errors.Is(lost, ErrHeartbeatTimeout))
}
