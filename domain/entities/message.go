package entities

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ElementKind names the variants of a canonical message element.
type ElementKind string

const (
	ElementText       ElementKind = "text"
	ElementImage      ElementKind = "image"
	ElementAudio      ElementKind = "audio"
	ElementVideo      ElementKind = "video"
	ElementMotion     ElementKind = "motion"
	ElementExpression ElementKind = "expression"
)

// Element is one entry of a canonical message. The set of implementations is
// closed: Text, Image, Audio, Video, Motion and Expression.
type Element interface {
	Kind() ElementKind
	element()
}

// RefMode names how a media reference locates its bytes.
type RefMode string

const (
	RefNone   RefMode = ""
	RefURL    RefMode = "url"
	RefRID    RefMode = "rid"
	RefInline RefMode = "inline"
)

var (
	ErrNoReference        = errors.New("media reference is empty")
	ErrAmbiguousReference = errors.New("media reference sets more than one of url, rid, inline")
)

// MediaRef points at media content through exactly one of URL, RID or Inline.
// Local files are file:// URLs.
type MediaRef struct {
	URL    string
	RID    string
	Inline []byte
	Mime   string
}

func (r MediaRef) Mode() RefMode {
	switch {
	case r.URL != "":
		return RefURL
	case r.RID != "":
		return RefRID
	case len(r.Inline) > 0:
		return RefInline
	default:
		return RefNone
	}
}

// Validate enforces the single-reference rule.
func (r MediaRef) Validate() error {
	set := 0
	if r.URL != "" {
		set++
	}
	if r.RID != "" {
		set++
	}
	if len(r.Inline) > 0 {
		set++
	}
	switch set {
	case 0:
		return ErrNoReference
	case 1:
		return nil
	default:
		return ErrAmbiguousReference
	}
}

// LocalPath returns the filesystem path of a file:// reference.
func (r MediaRef) LocalPath() (string, bool) {
	if !strings.HasPrefix(r.URL, "file://") {
		return "", false
	}
	u, err := url.Parse(r.URL)
	if err != nil || u.Path == "" {
		return "", false
	}
	return u.Path, true
}

// FileURL builds the file:// reference for a local path.
func FileURL(path string) string {
	return (&url.URL{Scheme: "file", Path: path}).String()
}

type Text struct {
	Text string
}

type Image struct {
	Ref MediaRef
}

// Audio is playable speech or sound. Transcript, when known, is shown with it.
type Audio struct {
	Ref        MediaRef
	Transcript string
}

type Video struct {
	Ref MediaRef
}

// Motion asks the avatar to play a motion. MotionType is an optional hint the
// client uses to pick its own assets.
type Motion struct {
	Group      string
	Index      int
	Priority   int
	Loop       bool
	MotionType string
}

type Expression struct {
	ID         string
	MotionType string
}

func (Text) Kind() ElementKind       { return ElementText }
func (Image) Kind() ElementKind      { return ElementImage }
func (Audio) Kind() ElementKind      { return ElementAudio }
func (Video) Kind() ElementKind      { return ElementVideo }
func (Motion) Kind() ElementKind     { return ElementMotion }
func (Expression) Kind() ElementKind { return ElementExpression }

func (Text) element()       {}
func (Image) element()      {}
func (Audio) element()      {}
func (Video) element()      {}
func (Motion) element()     {}
func (Expression) element() {}

// Message is the framework-agnostic representation of one outbound reply.
type Message struct {
	Elements []Element
}

// NewTextMessage is a convenience for single-text replies.
func NewTextMessage(text string) Message {
	return Message{Elements: []Element{Text{Text: text}}}
}

// PlainText concatenates the text elements.
func (m Message) PlainText() string {
	var b strings.Builder
	for _, el := range m.Elements {
		if t, ok := el.(Text); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

// Validate checks every media reference.
func (m Message) Validate() error {
	for i, el := range m.Elements {
		var ref *MediaRef
		switch e := el.(type) {
		case Image:
			ref = &e.Ref
		case Audio:
			ref = &e.Ref
		case Video:
			ref = &e.Ref
		}
		if ref == nil {
			continue
		}
		if err := ref.Validate(); err != nil {
			return fmt.Errorf("element %d (%s): %w", i, el.Kind(), err)
		}
	}
	return nil
}

// InboundKind distinguishes the input ops that produced an inbound message.
type InboundKind string

const (
	InboundMessageKind  InboundKind = "message"
	InboundTouchKind    InboundKind = "touch"
	InboundShortcutKind InboundKind = "shortcut"
)

// InboundMessage is what the bridge hands to the host framework.
type InboundMessage struct {
	MessageID  string                 `json:"messageId"`
	Kind       InboundKind            `json:"kind"`
	Text       string                 `json:"text"`
	Elements   []Element              `json:"-"`
	SessionID  string                 `json:"sessionId"`
	UserID     string                 `json:"userId"`
	ClientID   string                 `json:"clientId"`
	SenderName string                 `json:"senderName"`
	GroupID    string                 `json:"groupId,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Raw        map[string]interface{} `json:"raw,omitempty"`
}
