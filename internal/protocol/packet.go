package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultMaxFrameBytes bounds a single text frame. Anything larger belongs on
// the resource transfer endpoint.
const DefaultMaxFrameBytes = 2 << 20

// Packet is the wire envelope shared by every op.
type Packet struct {
	Op      string                 `json:"op"`
	ID      string                 `json:"id"`
	TS      int64                  `json:"ts"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	Error   *Error                 `json:"error,omitempty"`
}

// NewPacket builds a packet with a fresh id and the current timestamp.
func NewPacket(op string, payload map[string]interface{}) *Packet {
	return &Packet{
		Op:      op,
		ID:      uuid.NewString(),
		TS:      time.Now().UnixMilli(),
		Payload: payload,
	}
}

// Reply builds a response that echoes the request id.
func (p *Packet) Reply(op string, payload map[string]interface{}) *Packet {
	return &Packet{
		Op:      op,
		ID:      p.ID,
		TS:      time.Now().UnixMilli(),
		Payload: payload,
	}
}

// ErrorPacket builds a sys.error packet. An empty id gets a fresh one.
func ErrorPacket(id string, err *Error) *Packet {
	if id == "" {
		id = uuid.NewString()
	}
	return &Packet{
		Op:    OpError,
		ID:    id,
		TS:    time.Now().UnixMilli(),
		Error: err,
	}
}

// DecodeError describes a frame that is not a valid packet. ID is set when the
// frame carried a usable id so the error reply can still be correlated.
type DecodeError struct {
	Reason string
	ID     string
}

func (e *DecodeError) Error() string {
	return "decode packet: " + e.Reason
}

var ErrFrameTooLarge = errors.New("frame too large")

// Codec turns frames into packets and back.
type Codec struct {
	MaxFrameBytes int
}

func NewCodec(maxFrameBytes int) Codec {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return Codec{MaxFrameBytes: maxFrameBytes}
}

// Decode validates the envelope and parses it. Payload contents are left to the
// component handling the op.
func (c Codec) Decode(data []byte) (*Packet, error) {
	if c.MaxFrameBytes > 0 && len(data) > c.MaxFrameBytes {
		return nil, &DecodeError{Reason: fmt.Sprintf("%s: %d bytes exceeds %d", ErrFrameTooLarge, len(data), c.MaxFrameBytes)}
	}
	if !gjson.ValidBytes(data) {
		return nil, &DecodeError{Reason: "malformed json"}
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, &DecodeError{Reason: "packet must be a json object"}
	}

	fields := root.Map()
	var salvaged string
	if id, ok := fields["id"]; ok && id.Type == gjson.String {
		salvaged = id.String()
	}

	op, ok := fields["op"]
	if !ok || op.Type != gjson.String || op.String() == "" {
		return nil, &DecodeError{Reason: "missing op", ID: salvaged}
	}
	if salvaged == "" {
		return nil, &DecodeError{Reason: "missing id"}
	}
	if ts, ok := fields["ts"]; !ok || ts.Type != gjson.Number {
		return nil, &DecodeError{Reason: "missing ts", ID: salvaged}
	}
	if payload, ok := fields["payload"]; ok && payload.Type != gjson.Null && !payload.IsObject() {
		return nil, &DecodeError{Reason: "payload must be an object", ID: salvaged}
	}

	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &DecodeError{Reason: err.Error(), ID: salvaged}
	}
	return &p, nil
}

// Encode serializes a packet, refusing envelopes the peer would reject.
func (c Codec) Encode(p *Packet) ([]byte, error) {
	if p == nil || p.Op == "" || p.ID == "" {
		return nil, errors.New("encode packet: op and id are required")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode packet %s: %w", p.Op, err)
	}
	if c.MaxFrameBytes > 0 && len(data) > c.MaxFrameBytes {
		return nil, fmt.Errorf("encode packet %s: %w", p.Op, ErrFrameTooLarge)
	}
	return data, nil
}
