package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Bind decodes a packet payload into out and validates its struct tags.
// Failures are reported as invalid-payload protocol errors.
func Bind(payload map[string]interface{}, out interface{}) error {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("bind payload: %w", err)
	}
	if err := decoder.Decode(payload); err != nil {
		return Errorf(CodeInvalidPayload, "malformed payload: %v", err)
	}
	if err := validate.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return Errorf(CodeInvalidPayload, "invalid payload: %s", strings.Join(fields, "; "))
		}
		return Errorf(CodeInvalidPayload, "invalid payload: %v", err)
	}
	return nil
}

// HandshakePayload is sent by the client as its first packet.
type HandshakePayload struct {
	Version      string   `json:"version" validate:"required"`
	Token        string   `json:"token"`
	ClientID     string   `json:"clientId"`
	DeviceID     string   `json:"deviceId"`
	Client       string   `json:"client"`
	Capabilities []string `json:"capabilities"`
}

// ResolveClientID picks the first identity the client offered, falling back to
// a random one so the session still gets a stable id for this connection.
func (h HandshakePayload) ResolveClientID() string {
	for _, candidate := range []string{h.ClientID, h.DeviceID, h.Client} {
		if c := strings.TrimSpace(candidate); c != "" {
			return c
		}
	}
	return uuid.NewString()
}

// ContentPart is one entry of an input.message content list.
type ContentPart struct {
	Type    string `json:"type" validate:"required,oneof=text image audio voice video"`
	Text    string `json:"text"`
	URL     string `json:"url"`
	RID     string `json:"rid"`
	Inline  string `json:"inline"`
	Data    string `json:"data"`
	Mime    string `json:"mime"`
	STTMode string `json:"sttMode"`
}

type InputMessagePayload struct {
	Content  []ContentPart         `json:"content" validate:"required,min=1,dive"`
	Metadata map[string]interface{} `json:"metadata"`
}

type TouchPayload struct {
	Part     string   `json:"part"`
	Area     string   `json:"area"`
	Action   string   `json:"action"`
	X        *float64 `json:"x"`
	Y        *float64 `json:"y"`
	Duration *float64 `json:"duration"`
}

type ShortcutPayload struct {
	Key string `json:"key"`
}

type ResourcePreparePayload struct {
	Kind   string `json:"kind" validate:"required,oneof=image audio video file"`
	Mime   string `json:"mime" validate:"required"`
	Size   int64  `json:"size" validate:"gt=0"`
	SHA256 string `json:"sha256" validate:"omitempty,len=64,hexadecimal"`
}

type ResourceCommitPayload struct {
	RID  string `json:"rid" validate:"required"`
	Size int64  `json:"size" validate:"gte=0"`
}

// ResourceRefPayload addresses a resource for resource.get and resource.release.
type ResourceRefPayload struct {
	RID string `json:"rid" validate:"required"`
}

type ResourceProgressPayload struct {
	RID    string `json:"rid" validate:"required"`
	Loaded int64  `json:"loaded" validate:"gte=0"`
	Total  int64  `json:"total" validate:"gte=0"`
}

type PlayingPayload struct {
	IsPlaying bool `json:"isPlaying"`
}
