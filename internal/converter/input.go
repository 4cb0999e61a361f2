package converter

import (
	"encoding/base64"
	"fmt"
	"mime"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/h2non/filetype"
	"go.uber.org/zap"

	"github.com/satriahrh/l2dbridge/domain/entities"
	"github.com/satriahrh/l2dbridge/internal/protocol"
)

const DefaultMaxTextLength = 5000

// Formats advertised to clients in the handshake ack.
var (
	SupportedImageFormats = []string{"jpg", "png", "gif", "webp"}
	SupportedAudioFormats = []string{"mp3", "wav", "ogg"}
	SupportedVideoFormats = []string{"mp4", "webm", "mov"}
)

// Voice recorders in browsers and desktop shells produce these on top of the
// advertised audio formats.
var acceptedFormats = map[string]map[string]bool{
	"image": set("jpg", "png", "gif", "webp"),
	"audio": set("mp3", "wav", "ogg", "webm", "opus", "m4a"),
	"video": set("mp4", "webm", "mov"),
}

func set(values ...string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[v] = true
	}
	return m
}

const (
	placeholderImage = "[image]"
	placeholderVoice = "[voice]"
	placeholderVideo = "[video]"
)

// TempWriter materialises inline content as a local file.
type TempWriter interface {
	Write(prefix, ext string, data []byte) (*entities.TempFile, error)
}

// PartError reports a content part that was dropped while the rest of the
// message went through.
type PartError struct {
	Index int
	Type  string
	Err   *protocol.Error
}

func (e PartError) Error() string {
	return fmt.Sprintf("content part %d (%s): %v", e.Index, e.Type, e.Err)
}

// Inbound is the result of converting an input.message content list.
type Inbound struct {
	Elements []entities.Element
	Text     string
	Skipped  []PartError
}

// InputConverter turns client content parts into canonical elements.
type InputConverter struct {
	temp    TempWriter
	maxText int
	logger  *zap.Logger
}

func NewInputConverter(temp TempWriter, maxTextLength int, logger *zap.Logger) *InputConverter {
	if maxTextLength <= 0 {
		maxTextLength = DefaultMaxTextLength
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InputConverter{temp: temp, maxText: maxTextLength, logger: logger}
}

// Convert maps every part. Reference violations reject the whole message with
// an invalid-payload error; unsupported parts are skipped and listed.
func (c *InputConverter) Convert(parts []protocol.ContentPart) (*Inbound, error) {
	out := &Inbound{}
	var text strings.Builder
	budget := c.maxText

	for i, part := range parts {
		switch part.Type {
		case "text":
			t := part.Text
			if n := utf8.RuneCountInString(t); n > budget {
				c.logger.Warn("Truncating message text",
					zap.Int("part", i),
					zap.Int("runes", n),
					zap.Int("limit", c.maxText))
				t = truncateRunes(t, budget)
			}
			budget -= utf8.RuneCountInString(t)
			if t == "" {
				continue
			}
			out.Elements = append(out.Elements, entities.Text{Text: t})
			text.WriteString(t)

		case "voice", "audio":
			if part.STTMode == "local" {
				if part.Text != "" {
					out.Elements = append(out.Elements, entities.Text{Text: part.Text})
					text.WriteString(part.Text)
				}
				continue
			}
			ref, perr, err := c.media(i, part, "audio", "voice")
			if err != nil {
				return nil, err
			}
			if perr != nil {
				out.Skipped = append(out.Skipped, *perr)
				continue
			}
			out.Elements = append(out.Elements, entities.Audio{Ref: ref, Transcript: part.Text})
			text.WriteString(placeholderVoice)

		case "image":
			ref, perr, err := c.media(i, part, "image", "img")
			if err != nil {
				return nil, err
			}
			if perr != nil {
				out.Skipped = append(out.Skipped, *perr)
				continue
			}
			out.Elements = append(out.Elements, entities.Image{Ref: ref})
			text.WriteString(placeholderImage)

		case "video":
			ref, perr, err := c.media(i, part, "video", "video")
			if err != nil {
				return nil, err
			}
			if perr != nil {
				out.Skipped = append(out.Skipped, *perr)
				continue
			}
			out.Elements = append(out.Elements, entities.Video{Ref: ref})
			text.WriteString(placeholderVideo)

		default:
			out.Skipped = append(out.Skipped, PartError{
				Index: i,
				Type:  part.Type,
				Err:   protocol.Errorf(protocol.CodeUnsupportedType, "unsupported content type %q", part.Type),
			})
		}
	}

	out.Text = text.String()
	if len(out.Elements) == 0 {
		if len(out.Skipped) > 0 {
			return out, out.Skipped[0].Err
		}
		return out, protocol.Errorf(protocol.CodeInvalidPayload, "message has no content")
	}
	return out, nil
}

// media resolves a media part into a reference. A non-nil error rejects the
// message; a non-nil PartError drops only this part.
func (c *InputConverter) media(i int, part protocol.ContentPart, category, prefix string) (entities.MediaRef, *PartError, error) {
	set := 0
	for _, v := range []string{part.URL, part.RID, part.Inline, part.Data} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return entities.MediaRef{}, nil, protocol.Errorf(protocol.CodeInvalidPayload,
			"content part %d (%s) must set exactly one of url, rid, inline, data", i, part.Type)
	}

	skip := func(code int, format string, args ...interface{}) (entities.MediaRef, *PartError, error) {
		return entities.MediaRef{}, &PartError{Index: i, Type: part.Type, Err: protocol.Errorf(code, format, args...)}, nil
	}

	switch {
	case part.URL != "":
		u, err := url.Parse(part.URL)
		if err != nil {
			return entities.MediaRef{}, nil, protocol.Errorf(protocol.CodeInvalidPayload, "content part %d: malformed url", i)
		}
		switch strings.ToLower(u.Scheme) {
		case "http", "https", "file":
			return entities.MediaRef{URL: part.URL, Mime: part.Mime}, nil, nil
		}
		return skip(protocol.CodeUnsupportedType, "url scheme %q is not supported", u.Scheme)

	case part.RID != "":
		return entities.MediaRef{RID: part.RID, Mime: part.Mime}, nil, nil
	}

	var (
		data     []byte
		declared = part.Mime
		err      error
	)
	if part.Data != "" {
		declared, data, err = ParseDataURI(part.Data)
	} else {
		data, err = decodeBase64(part.Inline)
	}
	if err != nil {
		return entities.MediaRef{}, nil, protocol.Errorf(protocol.CodeInvalidPayload, "content part %d: %v", i, err)
	}
	if len(data) == 0 {
		return entities.MediaRef{}, nil, protocol.Errorf(protocol.CodeInvalidPayload, "content part %d: empty content", i)
	}

	ext, detected := Sniff(data, declared)
	if !acceptedFormats[category][ext] {
		if ext == "" {
			ext = "unknown"
		}
		return skip(protocol.CodeUnsupportedType, "%s format %q is not supported", category, ext)
	}
	if c.temp == nil {
		return entities.MediaRef{Inline: data, Mime: detected}, nil, nil
	}

	file, err := c.temp.Write(prefix, ext, data)
	if err != nil {
		perr := protocol.AsError(err, protocol.CodeResourceIO)
		return skip(perr.Code, "%s", perr.Message)
	}
	c.logger.Debug("Materialised inline content",
		zap.String("type", part.Type),
		zap.String("path", file.Path),
		zap.Int64("size", file.Size))
	return entities.MediaRef{URL: entities.FileURL(file.Path), Mime: detected}, nil, nil
}

// ParseDataURI splits data:<mime>[;params];base64,<payload>.
func ParseDataURI(uri string) (string, []byte, error) {
	if !strings.HasPrefix(uri, "data:") {
		return "", nil, fmt.Errorf("not a data uri")
	}
	header, payload, ok := strings.Cut(uri[len("data:"):], ",")
	if !ok {
		return "", nil, fmt.Errorf("data uri has no payload")
	}
	params := strings.Split(header, ";")
	if params[len(params)-1] != "base64" {
		return "", nil, fmt.Errorf("data uri must be base64 encoded")
	}
	mimeType := strings.ToLower(strings.TrimSpace(params[0]))
	data, err := decodeBase64(payload)
	if err != nil {
		return "", nil, err
	}
	return mimeType, data, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	data, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 content")
	}
	return data, nil
}

// Sniff identifies content by magic number, falling back to the declared mime
// type. It returns a normalised file extension and the mime type.
func Sniff(data []byte, declared string) (ext, mimeType string) {
	if kind, err := filetype.Match(data); err == nil && kind != filetype.Unknown {
		return normalizeExt(kind.Extension), kind.MIME.Value
	}
	if declared == "" {
		return "", ""
	}
	base, _, err := mime.ParseMediaType(declared)
	if err != nil {
		base = strings.ToLower(strings.TrimSpace(declared))
	}
	return extForMime(base), base
}

var audioSubtypes = map[string]string{
	"webm":  "webm",
	"ogg":   "ogg",
	"opus":  "opus",
	"mp4":   "m4a",
	"mpeg":  "mp3",
	"mp3":   "mp3",
	"wav":   "wav",
	"x-wav": "wav",
	"wave":  "wav",
}

func extForMime(m string) string {
	top, sub, ok := strings.Cut(m, "/")
	if !ok {
		return ""
	}
	if top == "audio" {
		if ext, ok := audioSubtypes[sub]; ok {
			return ext
		}
	}
	switch sub {
	case "quicktime":
		return "mov"
	}
	return normalizeExt(sub)
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	switch ext {
	case "jpeg":
		return "jpg"
	case "mpeg":
		return "mp3"
	}
	return ext
}

// mimeForPath guesses the mime type of a local file.
func mimeForPath(path string, data []byte) string {
	if _, m := Sniff(data, ""); m != "" {
		return m
	}
	if m := mime.TypeByExtension(filepath.Ext(path)); m != "" {
		return m
	}
	return "application/octet-stream"
}

func sniffMime(data []byte) string {
	if _, m := Sniff(data, ""); m != "" {
		return m
	}
	return "application/octet-stream"
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// TouchText renders an input.touch payload as a text message for the host.
func TouchText(p protocol.TouchPayload) string {
	part := firstNonEmpty(p.Part, p.Area, "Unknown")
	action := firstNonEmpty(p.Action, "tap")
	fields := []string{"[touch]", "part=" + part, "action=" + action}
	if p.X != nil {
		fields = append(fields, "x="+formatNumber(*p.X))
	}
	if p.Y != nil {
		fields = append(fields, "y="+formatNumber(*p.Y))
	}
	if p.Duration != nil {
		fields = append(fields, "duration="+formatNumber(*p.Duration))
	}
	return strings.Join(fields, " ")
}

// ShortcutText renders an input.shortcut payload as a text message.
func ShortcutText(p protocol.ShortcutPayload) string {
	return "[shortcut] key=" + p.Key
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
