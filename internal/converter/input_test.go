package converter

import (
	"encoding/base64"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/l2dbridge/domain/entities"
	"github.com/satriahrh/l2dbridge/internal/protocol"
	"github.com/satriahrh/l2dbridge/internal/resource"
)

var (
	pngBytes = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 32)...)
	wavBytes = append([]byte("RIFF\x24\x00\x00\x00WAVEfmt "), make([]byte, 32)...)
)

func newInputConverter(t *testing.T) (*InputConverter, *resource.TempStore) {
	t.Helper()
	temp, err := resource.NewTempStore(t.TempDir(), resource.TempOptions{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return NewInputConverter(temp, 0, zaptest.NewLogger(t)), temp
}

func TestInputConverter_Text(t *testing.T) {
	c, _ := newInputConverter(t)

	in, err := c.Convert([]protocol.ContentPart{
		{Type: "text", Text: "hello "},
		{Type: "text", Text: "world"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello world", in.Text)
	assert.Equal(t, []entities.Element{entities.Text{Text: "hello "}, entities.Text{Text: "world"}}, in.Elements)
	assert.Empty(t, in.Skipped)
}

func TestInputConverter_TruncatesText(t *testing.T) {
	c := NewInputConverter(nil, 5, zaptest.NewLogger(t))

	in, err := c.Convert([]protocol.ContentPart{
		{Type: "text", Text: "你好世界"},
		{Type: "text", Text: "abcdef"},
	})
	require.NoError(t, err)
	assert.Equal(t, "你好世界a", in.Text)
	assert.Len(t, in.Elements, 2)
}

func TestInputConverter_InlineImageBecomesTempFile(t *testing.T) {
	c, temp := newInputConverter(t)

	in, err := c.Convert([]protocol.ContentPart{
		{Type: "text", Text: "look "},
		{Type: "image", Inline: base64.StdEncoding.EncodeToString(pngBytes), Mime: "image/png"},
	})
	require.NoError(t, err)
	assert.Equal(t, "look [image]", in.Text)
	require.Len(t, in.Elements, 2)

	img, ok := in.Elements[1].(entities.Image)
	require.True(t, ok)
	assert.Equal(t, "image/png", img.Ref.Mime)

	path, local := img.Ref.LocalPath()
	require.True(t, local)
	assert.True(t, strings.HasPrefix(path, temp.Dir()))
	assert.Contains(t, path, "live2d_img_")
	assert.True(t, strings.HasSuffix(path, ".png"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)
}

func TestInputConverter_DataURIVoice(t *testing.T) {
	c, _ := newInputConverter(t)

	uri := "data:audio/wav;base64," + base64.StdEncoding.EncodeToString(wavBytes)
	in, err := c.Convert([]protocol.ContentPart{{Type: "voice", Data: uri, Text: "hi there"}})
	require.NoError(t, err)
	assert.Equal(t, "[voice]", in.Text)

	audio, ok := in.Elements[0].(entities.Audio)
	require.True(t, ok)
	assert.Equal(t, "hi there", audio.Transcript)
	path, _ := audio.Ref.LocalPath()
	assert.Contains(t, path, "live2d_voice_")
	assert.True(t, strings.HasSuffix(path, ".wav"))
}

func TestInputConverter_DeclaredMimeFallback(t *testing.T) {
	c, _ := newInputConverter(t)

	raw := base64.StdEncoding.EncodeToString([]byte("opaque recorder output"))
	in, err := c.Convert([]protocol.ContentPart{{Type: "audio", Inline: raw, Mime: "audio/webm;codecs=opus"}})
	require.NoError(t, err)
	path, _ := in.Elements[0].(entities.Audio).Ref.LocalPath()
	assert.True(t, strings.HasSuffix(path, ".webm"))
}

func TestInputConverter_LocalSTTUsesTranscript(t *testing.T) {
	c, _ := newInputConverter(t)

	in, err := c.Convert([]protocol.ContentPart{{Type: "voice", STTMode: "local", Text: "turn left"}})
	require.NoError(t, err)
	assert.Equal(t, "turn left", in.Text)
	assert.Equal(t, []entities.Element{entities.Text{Text: "turn left"}}, in.Elements)
}

func TestInputConverter_ReferencesPassThrough(t *testing.T) {
	c, _ := newInputConverter(t)

	in, err := c.Convert([]protocol.ContentPart{
		{Type: "image", URL: "https://example.com/cat.png"},
		{Type: "video", RID: "r-1", Mime: "video/mp4"},
	})
	require.NoError(t, err)
	assert.Equal(t, "[image][video]", in.Text)
	assert.Equal(t, entities.Image{Ref: entities.MediaRef{URL: "https://example.com/cat.png"}}, in.Elements[0])
	assert.Equal(t, entities.Video{Ref: entities.MediaRef{RID: "r-1", Mime: "video/mp4"}}, in.Elements[1])
}

func TestInputConverter_RejectsAmbiguousReference(t *testing.T) {
	c, _ := newInputConverter(t)

	tests := []struct {
		name string
		part protocol.ContentPart
	}{
		{"none", protocol.ContentPart{Type: "image"}},
		{"url and rid", protocol.ContentPart{Type: "image", URL: "https://x/a.png", RID: "r1"}},
		{"bad base64", protocol.ContentPart{Type: "image", Inline: "%%%"}},
		{"bad data uri", protocol.ContentPart{Type: "image", Data: "data:image/png,plain"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Convert([]protocol.ContentPart{{Type: "text", Text: "x"}, tt.part})
			require.Error(t, err)
			assert.True(t, errors.Is(err, protocol.ErrInvalidPayload))
		})
	}
}

func TestInputConverter_UnsupportedPartIsSkipped(t *testing.T) {
	c, _ := newInputConverter(t)

	in, err := c.Convert([]protocol.ContentPart{
		{Type: "text", Text: "still here"},
		{Type: "image", URL: "ftp://example.com/a.png"},
		{Type: "image", Inline: base64.StdEncoding.EncodeToString(wavBytes)},
	})
	require.NoError(t, err)
	assert.Equal(t, "still here", in.Text)
	require.Len(t, in.Skipped, 2)
	for _, s := range in.Skipped {
		assert.Equal(t, protocol.CodeUnsupportedType, s.Err.Code)
	}
	assert.Equal(t, 1, in.Skipped[0].Index)
}

func TestInputConverter_NothingUsable(t *testing.T) {
	c, _ := newInputConverter(t)

	_, err := c.Convert([]protocol.ContentPart{{Type: "sticker"}})
	assert.True(t, errors.Is(err, protocol.ErrUnsupportedType))

	_, err = c.Convert([]protocol.ContentPart{{Type: "text", Text: ""}})
	assert.True(t, errors.Is(err, protocol.ErrInvalidPayload))
}

func TestSniff(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		declared string
		ext      string
	}{
		{"png magic", pngBytes, "", "png"},
		{"magic beats declared", pngBytes, "image/jpeg", "png"},
		{"wav magic", wavBytes, "", "wav"},
		{"declared jpeg", []byte("??"), "image/jpeg", "jpg"},
		{"declared mp4 audio", []byte("??"), "audio/mp4", "m4a"},
		{"declared mpeg audio", []byte("??"), "audio/mpeg", "mp3"},
		{"declared quicktime", []byte("??"), "video/quicktime", "mov"},
		{"unknown", []byte("??"), "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ext, _ := Sniff(tt.data, tt.declared)
			if ext != tt.ext {
				t.Errorf("Sniff() ext = %q, want %q", ext, tt.ext)
			}
		})
	}
}

func TestTouchAndShortcutText(t *testing.T) {
	x, y := 0.5, 120.0
	assert.Equal(t, "[touch] part=Head action=tap x=0.5 y=120",
		TouchText(protocol.TouchPayload{Part: "Head", X: &x, Y: &y}))
	assert.Equal(t, "[touch] part=Body action=stroke",
		TouchText(protocol.TouchPayload{Area: "Body", Action: "stroke"}))
	assert.Equal(t, "[touch] part=Unknown action=tap", TouchText(protocol.TouchPayload{}))
	assert.Equal(t, "[shortcut] key=ctrl+shift+h", ShortcutText(protocol.ShortcutPayload{Key: "ctrl+shift+h"}))
}
