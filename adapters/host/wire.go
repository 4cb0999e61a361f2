package host

import (
	"encoding/base64"
	"fmt"

	"github.com/satriahrh/l2dbridge/domain/entities"
)

// Element is the JSON form of a canonical message element exchanged with
// external hosts. Inline content is base64.
type Element struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	URL        string `json:"url,omitempty"`
	RID        string `json:"rid,omitempty"`
	Inline     string `json:"inline,omitempty"`
	Mime       string `json:"mime,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Group      string `json:"group,omitempty"`
	Index      int    `json:"index,omitempty"`
	Priority   int    `json:"priority,omitempty"`
	Loop       bool   `json:"loop,omitempty"`
	MotionType string `json:"motionType,omitempty"`
	ID         string `json:"id,omitempty"`
}

func refElement(kind entities.ElementKind, ref entities.MediaRef) Element {
	e := Element{Type: string(kind), URL: ref.URL, RID: ref.RID, Mime: ref.Mime}
	if len(ref.Inline) > 0 {
		e.Inline = base64.StdEncoding.EncodeToString(ref.Inline)
	}
	return e
}

// EncodeElements renders canonical elements for an external host.
func EncodeElements(elements []entities.Element) []Element {
	out := make([]Element, 0, len(elements))
	for _, el := range elements {
		switch e := el.(type) {
		case entities.Text:
			out = append(out, Element{Type: string(entities.ElementText), Text: e.Text})
		case entities.Image:
			out = append(out, refElement(entities.ElementImage, e.Ref))
		case entities.Audio:
			w := refElement(entities.ElementAudio, e.Ref)
			w.Transcript = e.Transcript
			out = append(out, w)
		case entities.Video:
			out = append(out, refElement(entities.ElementVideo, e.Ref))
		case entities.Motion:
			out = append(out, Element{
				Type:       string(entities.ElementMotion),
				Group:      e.Group,
				Index:      e.Index,
				Priority:   e.Priority,
				Loop:       e.Loop,
				MotionType: e.MotionType,
			})
		case entities.Expression:
			out = append(out, Element{Type: string(entities.ElementExpression), ID: e.ID, MotionType: e.MotionType})
		}
	}
	return out
}

func (e Element) ref() (entities.MediaRef, error) {
	ref := entities.MediaRef{URL: e.URL, RID: e.RID, Mime: e.Mime}
	if e.Inline != "" {
		data, err := base64.StdEncoding.DecodeString(e.Inline)
		if err != nil {
			return ref, fmt.Errorf("decode inline %s: %w", e.Type, err)
		}
		ref.Inline = data
	}
	return ref, ref.Validate()
}

// DecodeElements parses elements sent by an external host.
func DecodeElements(elements []Element) ([]entities.Element, error) {
	out := make([]entities.Element, 0, len(elements))
	for i, e := range elements {
		switch entities.ElementKind(e.Type) {
		case entities.ElementText:
			out = append(out, entities.Text{Text: e.Text})
		case entities.ElementImage:
			ref, err := e.ref()
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out = append(out, entities.Image{Ref: ref})
		case entities.ElementAudio:
			ref, err := e.ref()
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out = append(out, entities.Audio{Ref: ref, Transcript: e.Transcript})
		case entities.ElementVideo:
			ref, err := e.ref()
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out = append(out, entities.Video{Ref: ref})
		case entities.ElementMotion:
			out = append(out, entities.Motion{
				Group:      e.Group,
				Index:      e.Index,
				Priority:   e.Priority,
				Loop:       e.Loop,
				MotionType: e.MotionType,
			})
		case entities.ElementExpression:
			out = append(out, entities.Expression{ID: e.ID, MotionType: e.MotionType})
		default:
			return nil, fmt.Errorf("element %d: unknown type %q", i, e.Type)
		}
	}
	return out, nil
}
