package converter

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/satriahrh/l2dbridge/domain/entities"
	"github.com/satriahrh/l2dbridge/internal/protocol"
)

const (
	TTSModeLocal    = "local"
	TTSModeRemote   = "remote"
	DefaultTTSVoice = "zh-CN-XiaoxiaoNeural"
)

// ResourcePublisher decides how media bytes reach the client.
type ResourcePublisher interface {
	ShouldInline(size int64) bool
	Put(ctx context.Context, kind entities.ResourceKind, mime string, data []byte) (*entities.Resource, error)
	URL(rid string) (string, error)
}

type OutputOptions struct {
	EnableTTS  bool
	TTSMode    string
	TTSVoice   string
	AutoMotion bool
}

// ConvertOptions tune a single conversion.
type ConvertOptions struct {
	// TTSURL is speech the host already synthesised for the text.
	TTSURL    string
	Interrupt bool
}

// OutputConverter turns canonical messages into performance sequences.
type OutputConverter struct {
	opts       OutputOptions
	resources  ResourcePublisher
	classifier MotionClassifier
	logger     *zap.Logger
	readFile   func(string) ([]byte, error)
}

// NewOutputConverter builds a converter. A nil resources keeps local files as
// file:// URLs; a nil classifier uses the keyword classifier.
func NewOutputConverter(opts OutputOptions, resources ResourcePublisher, classifier MotionClassifier, logger *zap.Logger) *OutputConverter {
	if opts.TTSMode == "" {
		opts.TTSMode = TTSModeLocal
	}
	if opts.TTSVoice == "" {
		opts.TTSVoice = DefaultTTSVoice
	}
	if classifier == nil {
		classifier = NewKeywordClassifier(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutputConverter{
		opts:       opts,
		resources:  resources,
		classifier: classifier,
		logger:     logger,
		readFile:   os.ReadFile,
	}
}

func (c *OutputConverter) Options() OutputOptions { return c.opts }

// Convert renders msg as one performance. Elements that cannot be rendered
// are skipped and reported together in the returned error alongside the
// partial performance.
func (c *OutputConverter) Convert(ctx context.Context, msg entities.Message, opts ConvertOptions) (entities.Performance, error) {
	perf := entities.Performance{Interrupt: opts.Interrupt}
	var (
		text      strings.Builder
		hasMotion bool
		failures  []string
	)

	for i, el := range msg.Elements {
		switch e := el.(type) {
		case entities.Text:
			if e.Text == "" {
				continue
			}
			text.WriteString(e.Text)
			perf.Sequence = append(perf.Sequence, c.textElements(e.Text, opts.TTSURL)...)

		case entities.Image:
			ref, err := c.publish(ctx, e.Ref, entities.KindImage)
			if err != nil {
				failures = append(failures, fmt.Sprintf("element %d (image): %v", i, err))
				continue
			}
			img := entities.NewImageElement()
			img.URL, img.RID, img.Inline = ref.url, ref.rid, ref.inline
			perf.Sequence = append(perf.Sequence, img)

		case entities.Audio:
			ref, err := c.publish(ctx, e.Ref, entities.KindAudio)
			if err != nil {
				failures = append(failures, fmt.Sprintf("element %d (audio): %v", i, err))
				continue
			}
			tts := entities.NewTTSElement(e.Transcript)
			tts.URL, tts.RID, tts.Inline = ref.url, ref.rid, ref.inline
			tts.TTSMode = TTSModeRemote
			perf.Sequence = append(perf.Sequence, tts)

		case entities.Video:
			ref, err := c.publish(ctx, e.Ref, entities.KindVideo)
			if err != nil {
				failures = append(failures, fmt.Sprintf("element %d (video): %v", i, err))
				continue
			}
			vid := entities.NewVideoElement()
			vid.URL, vid.RID, vid.Inline = ref.url, ref.rid, ref.inline
			perf.Sequence = append(perf.Sequence, vid)

		case entities.Motion:
			hasMotion = true
			m := entities.NewMotionElement(e.Group, e.Index, e.Priority)
			m.Loop = e.Loop
			m.MotionType = e.MotionType
			perf.Sequence = append(perf.Sequence, m)

		case entities.Expression:
			hasMotion = true
			x := entities.NewExpressionElement(e.ID)
			x.MotionType = e.MotionType
			perf.Sequence = append(perf.Sequence, x)

		default:
			failures = append(failures, fmt.Sprintf("element %d: unsupported %T", i, el))
		}
	}

	if full := text.String(); full != "" {
		if hasMotion {
			fillMotionType(perf.Sequence, c.classifier.Classify(full))
		} else if c.opts.AutoMotion {
			perf.Sequence = append(perf.Sequence, c.Placeholders(full)...)
		}
	}

	if len(failures) > 0 {
		return perf, protocol.Errorf(protocol.CodePerformFailed, "%s", strings.Join(failures, "; "))
	}
	return perf, nil
}

// TextChunk renders one streamed piece of text.
func (c *OutputConverter) TextChunk(text, ttsURL string) entities.Performance {
	return entities.Performance{Sequence: c.textElements(text, ttsURL)}
}

// Placeholders returns the typed expression and motion that let the client
// pick its own assets for the mood of text. Empty when automatic motion is off.
func (c *OutputConverter) Placeholders(text string) []entities.PerformElement {
	if !c.opts.AutoMotion || strings.TrimSpace(text) == "" {
		return nil
	}
	motionType := c.classifier.Classify(text)

	expr := entities.NewExpressionElement("")
	expr.MotionType = motionType
	motion := entities.NewMotionElement(entities.DefaultMotionGroup, 0, entities.DefaultMotionPrio)
	motion.MotionType = motionType
	return []entities.PerformElement{expr, motion}
}

func (c *OutputConverter) textElements(text, ttsURL string) []entities.PerformElement {
	out := []entities.PerformElement{entities.NewTextElement(text)}
	if !c.opts.EnableTTS {
		return out
	}
	switch {
	case ttsURL != "":
		tts := entities.NewTTSElement(text)
		tts.URL = ttsURL
		tts.TTSMode = TTSModeRemote
		out = append(out, tts)
	case c.opts.TTSMode == TTSModeLocal:
		tts := entities.NewTTSElement(text)
		tts.TTSMode = TTSModeLocal
		tts.Voice = c.opts.TTSVoice
		out = append(out, tts)
	}
	return out
}

func fillMotionType(seq []entities.PerformElement, motionType string) {
	for i, el := range seq {
		switch e := el.(type) {
		case entities.MotionElement:
			if e.MotionType == "" {
				e.MotionType = motionType
				seq[i] = e
			}
		case entities.ExpressionElement:
			if e.MotionType == "" {
				e.MotionType = motionType
				seq[i] = e
			}
		}
	}
}

type publishedRef struct {
	url    string
	rid    string
	inline string
}

// publish picks how the client will fetch ref: remote URLs pass through, small
// content is inlined and anything larger becomes a stored resource.
func (c *OutputConverter) publish(ctx context.Context, ref entities.MediaRef, kind entities.ResourceKind) (publishedRef, error) {
	if err := ref.Validate(); err != nil {
		return publishedRef{}, err
	}

	switch ref.Mode() {
	case entities.RefRID:
		out := publishedRef{rid: ref.RID}
		if c.resources != nil {
			if u, err := c.resources.URL(ref.RID); err == nil {
				out.url = u
			}
		}
		return out, nil

	case entities.RefInline:
		return c.publishBytes(ctx, ref.Inline, ref.Mime, kind)

	default:
		path, local := ref.LocalPath()
		if !local {
			return publishedRef{url: ref.URL}, nil
		}
		if c.resources == nil {
			return publishedRef{url: ref.URL}, nil
		}
		data, err := c.readFile(path)
		if err != nil {
			return publishedRef{}, protocol.Errorf(protocol.CodeResourceIO, "read %s: %v", filepath.Base(path), err)
		}
		mime := ref.Mime
		if mime == "" {
			mime = mimeForPath(path, data)
		}
		return c.publishBytes(ctx, data, mime, kind)
	}
}

func (c *OutputConverter) publishBytes(ctx context.Context, data []byte, mime string, kind entities.ResourceKind) (publishedRef, error) {
	if c.resources == nil || c.resources.ShouldInline(int64(len(data))) {
		return publishedRef{inline: base64.StdEncoding.EncodeToString(data)}, nil
	}
	if mime == "" {
		mime = sniffMime(data)
	}
	res, err := c.resources.Put(ctx, kind, mime, data)
	if err != nil {
		return publishedRef{}, err
	}
	out := publishedRef{rid: res.RID}
	if u, err := c.resources.URL(res.RID); err == nil {
		out.url = u
	} else {
		c.logger.Warn("Failed to build resource url", zap.String("rid", res.RID), zap.Error(err))
	}
	return out, nil
}
