package host

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/l2dbridge/domain/entities"
	"github.com/satriahrh/l2dbridge/domain/repositories"
)

type recordingReplier struct {
	mu      sync.Mutex
	replies []entities.Message
	deltas  []string
	closed  bool
}

func (r *recordingReplier) Reply(_ context.Context, msgs ...entities.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, msgs...)
	return nil
}

func (r *recordingReplier) Stream(context.Context) (repositories.ReplyWriter, error) {
	return r, nil
}

func (r *recordingReplier) Write(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas = append(r.deltas, text)
	return nil
}

func (r *recordingReplier) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func inbound(text string) entities.InboundMessage {
	return entities.InboundMessage{
		MessageID:  "m-1",
		Kind:       entities.InboundMessageKind,
		Text:       text,
		Elements:   []entities.Element{entities.Text{Text: text}},
		SessionID:  "live2d_desk",
		UserID:     "live2d_user_desk",
		ClientID:   "desk",
		SenderName: "Live2D User",
		Timestamp:  time.UnixMilli(1700000000000),
	}
}

func TestLoopback_Echoes(t *testing.T) {
	img := entities.Image{Ref: entities.MediaRef{URL: "https://example.com/a.png"}}
	msg := inbound("hello")
	msg.Text = "hello[image]"
	msg.Elements = append(msg.Elements, img)

	reply := &recordingReplier{}
	require.NoError(t, NewLoopback("", zaptest.NewLogger(t)).Deliver(context.Background(), msg, reply))

	require.Len(t, reply.replies, 1)
	got := reply.replies[0]
	assert.Equal(t, "Received: hello[image]", got.PlainText())
	require.Len(t, got.Elements, 2)
	assert.Equal(t, img, got.Elements[1])
}

func TestWire_RoundTrip(t *testing.T) {
	elements := []entities.Element{
		entities.Text{Text: "hi"},
		entities.Image{Ref: entities.MediaRef{Inline: []byte{0x89, 'P', 'N', 'G'}, Mime: "image/png"}},
		entities.Audio{Ref: entities.MediaRef{URL: "https://example.com/a.mp3"}, Transcript: "hello"},
		entities.Video{Ref: entities.MediaRef{RID: "r-1"}},
		entities.Motion{Group: "TapBody", Index: 1, Priority: 3, MotionType: "happy"},
		entities.Expression{ID: "smile"},
	}
	got, err := DecodeElements(EncodeElements(elements))
	require.NoError(t, err)
	assert.Equal(t, elements, got)
}

func TestWire_DecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		in   Element
	}{
		{"unknown type", Element{Type: "sticker"}},
		{"image without ref", Element{Type: "image"}},
		{"ambiguous ref", Element{Type: "video", URL: "https://x/y.mp4", RID: "r"}},
		{"bad base64", Element{Type: "image", Inline: "%%%"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeElements([]Element{tt.in})
			assert.Error(t, err)
		})
	}
}

func TestWebhook_JSONReplies(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"replies":[{"elements":[{"type":"text","text":"pong"},{"type":"motion","group":"Idle","motionType":"happy"}]}]}`)
	}))
	defer srv.Close()

	hook, err := NewWebhook(WebhookOptions{URL: srv.URL, Token: "secret"}, zaptest.NewLogger(t))
	require.NoError(t, err)

	reply := &recordingReplier{}
	require.NoError(t, hook.Deliver(context.Background(), inbound("ping"), reply))

	assert.Equal(t, "m-1", gjson.GetBytes(body, "messageId").String())
	assert.Equal(t, "live2d_desk", gjson.GetBytes(body, "sessionId").String())
	assert.Equal(t, "ping", gjson.GetBytes(body, "content.0.text").String())

	require.Len(t, reply.replies, 1)
	assert.Equal(t, "pong", reply.replies[0].PlainText())
	assert.Equal(t, entities.Motion{Group: "Idle", MotionType: "happy"}, reply.replies[0].Elements[1])
}

func TestWebhook_NDJSONStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson; charset=utf-8")
		fmt.Fprintln(w, `{"delta":"Hello "}`)
		fmt.Fprintln(w, `not json`)
		fmt.Fprintln(w, `{"done":true}`)
		fmt.Fprintln(w, `{"delta":"world."}`)
	}))
	defer srv.Close()

	hook, err := NewWebhook(WebhookOptions{URL: srv.URL}, zaptest.NewLogger(t))
	require.NoError(t, err)

	reply := &recordingReplier{}
	require.NoError(t, hook.Deliver(context.Background(), inbound("hi"), reply))
	assert.Equal(t, []string{"Hello ", "world."}, reply.deltas)
	assert.True(t, reply.closed)
	assert.Empty(t, reply.replies)
}

func TestWebhook_EmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook, err := NewWebhook(WebhookOptions{URL: srv.URL}, zaptest.NewLogger(t))
	require.NoError(t, err)
	reply := &recordingReplier{}
	require.NoError(t, hook.Deliver(context.Background(), inbound("hi"), reply))
	assert.Empty(t, reply.replies)
}

func TestWebhook_Retries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"replies":[{"elements":[{"type":"text","text":"ok"}]}]}`)
	}))
	defer srv.Close()

	hook, err := NewWebhook(WebhookOptions{URL: srv.URL}, zaptest.NewLogger(t))
	require.NoError(t, err)
	hook.delay = time.Millisecond

	reply := &recordingReplier{}
	require.NoError(t, hook.Deliver(context.Background(), inbound("hi"), reply))
	assert.EqualValues(t, 3, calls.Load())
	require.Len(t, reply.replies, 1)
}

func TestWebhook_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	hook, err := NewWebhook(WebhookOptions{URL: srv.URL}, zaptest.NewLogger(t))
	require.NoError(t, err)
	hook.delay = time.Millisecond

	err = hook.Deliver(context.Background(), inbound("hi"), &recordingReplier{})
	require.ErrorIs(t, err, ErrWebhookStatus)
	assert.True(t, strings.Contains(err.Error(), "400"))
	assert.EqualValues(t, 1, calls.Load())
}

func TestNewWebhook_InvalidURL(t *testing.T) {
	for _, u := range []string{"", "ftp://example.com", "http://"} {
		_, err := NewWebhook(WebhookOptions{URL: u}, nil)
		assert.Error(t, err, u)
	}
}
