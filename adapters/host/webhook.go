package host

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/satriahrh/l2dbridge/domain/entities"
	"github.com/satriahrh/l2dbridge/domain/repositories"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultWebhookTimeout  = 60 * time.Second
	DefaultWebhookAttempts = 3

	ndjsonType = "application/x-ndjson"
	// maxLine bounds a single streamed delta line.
	maxLine = 1 << 20
)

var ErrWebhookStatus = errors.New("webhook returned an error status")

type WebhookOptions struct {
	URL      string
	Timeout  time.Duration
	Attempts uint
	// Token, when set, is sent as a bearer token.
	Token string
}

// Webhook forwards inbound messages to an HTTP endpoint and relays its answer.
// A JSON answer carries complete replies; an NDJSON answer streams deltas.
type Webhook struct {
	opts   WebhookOptions
	client *http.Client
	delay  time.Duration
	logger *zap.Logger
}

type webhookRequest struct {
	entities.InboundMessage
	Content []Element `json:"content"`
}

type webhookReply struct {
	Elements []Element `json:"elements"`
}

type webhookResponse struct {
	Replies []webhookReply `json:"replies"`
}

func NewWebhook(opts WebhookOptions, logger *zap.Logger) (*Webhook, error) {
	u, err := url.Parse(opts.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid webhook url %q", opts.URL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultWebhookTimeout
	}
	if opts.Attempts == 0 {
		opts.Attempts = DefaultWebhookAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Webhook{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		delay:  500 * time.Millisecond,
		logger: logger,
	}, nil
}

func (w *Webhook) Deliver(ctx context.Context, msg entities.InboundMessage, reply repositories.Replier) error {
	body, err := json.Marshal(webhookRequest{InboundMessage: msg, Content: EncodeElements(msg.Elements)})
	if err != nil {
		return fmt.Errorf("encode webhook request: %w", err)
	}

	resp, err := retry.DoWithData(
		func() (*http.Response, error) { return w.post(ctx, body) },
		retry.Context(ctx),
		retry.Attempts(w.opts.Attempts),
		retry.Delay(w.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			w.logger.Warn("Retrying webhook",
				zap.Uint("attempt", n+1),
				zap.String("messageID", msg.MessageID),
				zap.Error(err))
		}),
	)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.opts.URL, err)
	}
	defer resp.Body.Close()

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == ndjsonType {
		return w.stream(ctx, resp.Body, reply)
	}
	return w.replies(ctx, resp.Body, reply)
}

// post sends one attempt. Client errors are not retried.
func (w *Webhook) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.opts.URL, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Unrecoverable(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, "+ndjsonType)
	if w.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.opts.Token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 300 {
		return resp, nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body.Close()
	err = fmt.Errorf("%w: %s: %s", ErrWebhookStatus, resp.Status, strings.TrimSpace(string(snippet)))
	if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return nil, retry.Unrecoverable(err)
	}
	return nil, err
}

func (w *Webhook) replies(ctx context.Context, body io.Reader, reply repositories.Replier) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read webhook response: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var res webhookResponse
	if err := json.Unmarshal(data, &res); err != nil {
		return fmt.Errorf("decode webhook response: %w", err)
	}
	msgs := make([]entities.Message, 0, len(res.Replies))
	for i, r := range res.Replies {
		elements, err := DecodeElements(r.Elements)
		if err != nil {
			return fmt.Errorf("reply %d: %w", i, err)
		}
		if len(elements) > 0 {
			msgs = append(msgs, entities.Message{Elements: elements})
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return reply.Reply(ctx, msgs...)
}

// stream relays {"delta": "..."} lines as they arrive. Lines without a delta
// are ignored.
func (w *Webhook) stream(ctx context.Context, body io.Reader, reply repositories.Replier) error {
	writer, err := reply.Stream(ctx)
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !gjson.ValidBytes(line) {
			w.logger.Debug("Skipping malformed stream line", zap.ByteString("line", line))
			continue
		}
		delta := gjson.GetBytes(line, "delta")
		if !delta.Exists() || delta.String() == "" {
			continue
		}
		if err := writer.Write(delta.String()); err != nil {
			writer.Close()
			return fmt.Errorf("relay delta: %w", err)
		}
	}
	closeErr := writer.Close()
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read webhook stream: %w", err)
	}
	return closeErr
}
