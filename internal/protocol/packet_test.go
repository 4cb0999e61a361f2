package protocol

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_Decode(t *testing.T) {
	codec := NewCodec(256)

	tests := []struct {
		name    string
		frame   string
		wantErr bool
		wantID  string
	}{
		{
			name:  "valid packet",
			frame: `{"op":"sys.ping","id":"p1","ts":1700000000000}`,
		},
		{
			name:  "valid packet with payload",
			frame: `{"op":"input.message","id":"p2","ts":1,"payload":{"content":[{"type":"text","text":"hi"}]}}`,
		},
		{
			name:  "null payload",
			frame: `{"op":"sys.ping","id":"p3","ts":1,"payload":null}`,
		},
		{
			name:    "malformed json",
			frame:   `{"op":"sys.ping",`,
			wantErr: true,
		},
		{
			name:    "array instead of object",
			frame:   `[1,2,3]`,
			wantErr: true,
		},
		{
			name:    "missing op keeps id",
			frame:   `{"id":"p4","ts":1}`,
			wantErr: true,
			wantID:  "p4",
		},
		{
			name:    "numeric op",
			frame:   `{"op":7,"id":"p5","ts":1}`,
			wantErr: true,
			wantID:  "p5",
		},
		{
			name:    "missing id",
			frame:   `{"op":"sys.ping","ts":1}`,
			wantErr: true,
		},
		{
			name:    "string ts",
			frame:   `{"op":"sys.ping","id":"p6","ts":"now"}`,
			wantErr: true,
			wantID:  "p6",
		},
		{
			name:    "payload must be object",
			frame:   `{"op":"sys.ping","id":"p7","ts":1,"payload":"x"}`,
			wantErr: true,
			wantID:  "p7",
		},
		{
			name:    "oversized frame",
			frame:   `{"op":"sys.ping","id":"p8","ts":1,"payload":{"pad":"` + strings.Repeat("x", 300) + `"}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := codec.Decode([]byte(tt.frame))
			if !tt.wantErr {
				require.NoError(t, err)
				require.NotNil(t, p)
				return
			}
			require.Error(t, err)
			var derr *DecodeError
			require.True(t, errors.As(err, &derr))
			assert.Equal(t, tt.wantID, derr.ID)
			assert.Equal(t, CodeInvalidPayload, AsError(err, CodeResourceIO).Code)
		})
	}
}

func TestCodec_RoundTripKeepsIDAndError(t *testing.T) {
	codec := NewCodec(0)

	req := NewPacket(OpResourceGet, map[string]interface{}{"rid": "r1"})
	errPkt := ErrorPacket(req.ID, Errorf(CodeResourceNotFound, "resource %s not found", "r1"))

	data, err := codec.Encode(errPkt)
	require.NoError(t, err)

	decoded, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, OpError, decoded.Op)
	assert.Equal(t, req.ID, decoded.ID)
	require.NotNil(t, decoded.Error)
	assert.Equal(t, CodeResourceNotFound, decoded.Error.Code)
	assert.True(t, errors.Is(decoded.Error, ErrResourceNotFound))
}

func TestCodec_EncodeRejectsIncompleteEnvelope(t *testing.T) {
	codec := NewCodec(0)

	_, err := codec.Encode(&Packet{Op: OpPing})
	assert.Error(t, err)

	_, err = codec.Encode(nil)
	assert.Error(t, err)
}

func TestPacket_Reply(t *testing.T) {
	req := NewPacket(OpPing, nil)
	resp := req.Reply(OpPong, map[string]interface{}{"serverTime": 1})

	assert.Equal(t, req.ID, resp.ID)
	assert.Equal(t, OpPong, resp.Op)
	assert.NotZero(t, resp.TS)
}

func TestErrorPacket_GeneratesID(t *testing.T) {
	p := ErrorPacket("", ErrAuthFailed)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, OpError, p.Op)
	assert.True(t, p.Error.Fatal())
}

func TestAsError(t *testing.T) {
	assert.Nil(t, AsError(nil, CodeResourceIO))

	wrapped := errors.Join(errors.New("ctx"), Errorf(CodeConnectionFull, "full"))
	assert.Equal(t, CodeConnectionFull, AsError(wrapped, CodeResourceIO).Code)

	assert.Equal(t, CodeResourceIO, AsError(errors.New("disk gone"), CodeResourceIO).Code)
}

func TestIsQueryOp(t *testing.T) {
	assert.True(t, IsQueryOp(OpDesktopWindowList))
	assert.True(t, IsQueryOp(OpModelList))
	assert.False(t, IsQueryOp(OpInputMessage))
}
