package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBind_Handshake(t *testing.T) {
	var hp HandshakePayload
	err := Bind(map[string]interface{}{
		"version":  "1.0.0",
		"token":    "secret",
		"deviceId": "desk-1",
	}, &hp)
	require.NoError(t, err)
	assert.Equal(t, "desk-1", hp.ResolveClientID())

	hp = HandshakePayload{}
	err = Bind(map[string]interface{}{"token": "secret"}, &hp)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidPayload))
}

func TestHandshakePayload_ResolveClientID(t *testing.T) {
	tests := []struct {
		name string
		in   HandshakePayload
		want string
	}{
		{"client id wins", HandshakePayload{ClientID: "a", DeviceID: "b", Client: "c"}, "a"},
		{"device id next", HandshakePayload{DeviceID: "b", Client: "c"}, "b"},
		{"client last", HandshakePayload{Client: "c"}, "c"},
		{"blank ignored", HandshakePayload{ClientID: "  ", Client: "c"}, "c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.ResolveClientID())
		})
	}

	generated := HandshakePayload{}.ResolveClientID()
	assert.Len(t, generated, 36)
}

func TestBind_InputMessage(t *testing.T) {
	var msg InputMessagePayload
	err := Bind(map[string]interface{}{
		"content": []interface{}{
			map[string]interface{}{"type": "text", "text": "hello"},
			map[string]interface{}{"type": "image", "url": "https://example.com/a.png"},
		},
		"metadata": map[string]interface{}{"userName": "Mika"},
	}, &msg)
	require.NoError(t, err)
	require.Len(t, msg.Content, 2)
	assert.Equal(t, "hello", msg.Content[0].Text)
	assert.Equal(t, "Mika", msg.Metadata["userName"])

	msg = InputMessagePayload{}
	err = Bind(map[string]interface{}{
		"content": []interface{}{map[string]interface{}{"type": "sticker"}},
	}, &msg)
	assert.True(t, errors.Is(err, ErrInvalidPayload))

	msg = InputMessagePayload{}
	err = Bind(map[string]interface{}{"content": []interface{}{}}, &msg)
	assert.True(t, errors.Is(err, ErrInvalidPayload))
}

func TestBind_ResourcePrepare(t *testing.T) {
	var rp ResourcePreparePayload
	err := Bind(map[string]interface{}{
		"kind": "image",
		"mime": "image/png",
		"size": float64(300000),
	}, &rp)
	require.NoError(t, err)
	assert.Equal(t, int64(300000), rp.Size)

	rp = ResourcePreparePayload{}
	err = Bind(map[string]interface{}{
		"kind":   "image",
		"mime":   "image/png",
		"size":   float64(10),
		"sha256": "not-a-digest",
	}, &rp)
	assert.True(t, errors.Is(err, ErrInvalidPayload))

	rp = ResourcePreparePayload{}
	err = Bind(map[string]interface{}{"kind": "image", "mime": "image/png", "size": float64(0)}, &rp)
	assert.True(t, errors.Is(err, ErrInvalidPayload))
}

func TestBind_Touch(t *testing.T) {
	var tp TouchPayload
	require.NoError(t, Bind(map[string]interface{}{"part": "Head", "x": 0.5}, &tp))
	require.NotNil(t, tp.X)
	assert.Equal(t, 0.5, *tp.X)
	assert.Nil(t, tp.Y)
}

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		version string
		wantErr bool
	}{
		{"1.0.0", false},
		{"1.0", false},
		{"1.4.2", false},
		{"1.0.0-beta", false},
		{"1.2.0-rc.1", false},
		{"1.x", false},
		{"1", true},
		{"v1.0.0", true},
		{"2.0.0-rc.1", true},
		{"2.0.0", true},
		{"0.9.0", true},
		{"", true},
		{"banana", true},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			err := CheckVersion(tt.version)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrVersionMismatch))
				return
			}
			assert.NoError(t, err)
		})
	}
}
