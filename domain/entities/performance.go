package entities

import "strings"

// PerformElement is one entry of a performance sequence.
type PerformElement interface {
	ElementType() string
}

const (
	DefaultPosition      = "center"
	DefaultImageDuration = 5000
	DefaultMotionGroup   = "Idle"
	DefaultMotionPrio    = 2
	DefaultFade          = 300
)

type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type TextElement struct {
	Type     string                 `json:"type"`
	Content  string                 `json:"content"`
	Duration int                    `json:"duration"`
	Position string                 `json:"position"`
	Style    map[string]interface{} `json:"style,omitempty"`
}

type TTSElement struct {
	Type    string  `json:"type"`
	Text    string  `json:"text"`
	Volume  float64 `json:"volume"`
	Speed   float64 `json:"speed"`
	URL     string  `json:"url,omitempty"`
	RID     string  `json:"rid,omitempty"`
	Inline  string  `json:"inline,omitempty"`
	TTSMode string  `json:"ttsMode,omitempty"`
	Voice   string  `json:"voice,omitempty"`
}

type ImageElement struct {
	Type     string `json:"type"`
	URL      string `json:"url,omitempty"`
	RID      string `json:"rid,omitempty"`
	Inline   string `json:"inline,omitempty"`
	Duration int    `json:"duration"`
	Position string `json:"position"`
	Size     *Size  `json:"size,omitempty"`
}

type VideoElement struct {
	Type     string `json:"type"`
	URL      string `json:"url,omitempty"`
	RID      string `json:"rid,omitempty"`
	Inline   string `json:"inline,omitempty"`
	Duration int    `json:"duration"`
	Position string `json:"position"`
	Autoplay bool   `json:"autoplay"`
	Loop     bool   `json:"loop"`
	Size     *Size  `json:"size,omitempty"`
}

type MotionElement struct {
	Type       string `json:"type"`
	Group      string `json:"group"`
	Index      int    `json:"index"`
	Priority   int    `json:"priority"`
	Loop       bool   `json:"loop"`
	FadeIn     int    `json:"fadeIn"`
	FadeOut    int    `json:"fadeOut"`
	MotionType string `json:"motionType,omitempty"`
}

type ExpressionElement struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Fade       int    `json:"fade"`
	MotionType string `json:"motionType,omitempty"`
}

type WaitElement struct {
	Type     string `json:"type"`
	Duration int    `json:"duration"`
}

func (e TextElement) ElementType() string       { return e.Type }
func (e TTSElement) ElementType() string        { return e.Type }
func (e ImageElement) ElementType() string      { return e.Type }
func (e VideoElement) ElementType() string      { return e.Type }
func (e MotionElement) ElementType() string     { return e.Type }
func (e ExpressionElement) ElementType() string { return e.Type }
func (e WaitElement) ElementType() string       { return e.Type }

func NewTextElement(content string) TextElement {
	return TextElement{Type: "text", Content: content, Duration: 0, Position: DefaultPosition}
}

func NewTTSElement(text string) TTSElement {
	return TTSElement{Type: "tts", Text: text, Volume: 1, Speed: 1}
}

func NewImageElement() ImageElement {
	return ImageElement{Type: "image", Duration: DefaultImageDuration, Position: DefaultPosition}
}

func NewVideoElement() VideoElement {
	return VideoElement{Type: "video", Position: DefaultPosition, Autoplay: true}
}

func NewMotionElement(group string, index, priority int) MotionElement {
	if group == "" {
		group = DefaultMotionGroup
	}
	if priority <= 0 {
		priority = DefaultMotionPrio
	}
	return MotionElement{
		Type:     "motion",
		Group:    group,
		Index:    index,
		Priority: priority,
		FadeIn:   DefaultFade,
		FadeOut:  DefaultFade,
	}
}

func NewExpressionElement(id string) ExpressionElement {
	return ExpressionElement{Type: "expression", ID: id, Fade: DefaultFade}
}

func NewWaitElement(duration int) WaitElement {
	return WaitElement{Type: "wait", Duration: duration}
}

// Performance is an ordered sequence the client plays back. Interrupt replaces
// whatever is playing instead of queueing after it.
type Performance struct {
	Interrupt bool             `json:"interrupt"`
	Sequence  []PerformElement `json:"sequence"`
}

// Payload renders the perform.show payload.
func (p Performance) Payload() map[string]interface{} {
	seq := p.Sequence
	if seq == nil {
		seq = []PerformElement{}
	}
	return map[string]interface{}{
		"interrupt": p.Interrupt,
		"sequence":  seq,
	}
}

// TextContent concatenates the content of the text elements.
func (p Performance) TextContent() string {
	var b strings.Builder
	for _, el := range p.Sequence {
		if t, ok := el.(TextElement); ok {
			b.WriteString(t.Content)
		}
	}
	return b.String()
}

func (p Performance) Empty() bool {
	return len(p.Sequence) == 0
}
