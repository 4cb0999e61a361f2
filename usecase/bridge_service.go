package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/l2dbridge/domain/entities"
	"github.com/satriahrh/l2dbridge/domain/repositories"
	"github.com/satriahrh/l2dbridge/internal/converter"
	"github.com/satriahrh/l2dbridge/internal/metrics"
	"github.com/satriahrh/l2dbridge/internal/protocol"
	"github.com/satriahrh/l2dbridge/internal/resource"
	"github.com/satriahrh/l2dbridge/internal/websocket"
)

const defaultSenderName = "Live2D User"

// Client state keys recorded from state.* packets.
const (
	StatePlaying = "playing"
	StateConfig  = "config"
	StateModel   = "model"
)

var ErrNotAttached = errors.New("bridge has no session directory attached")

// SessionDirectory resolves host targets to connected sessions.
type SessionDirectory interface {
	Lookup(target string) (websocket.Peer, error)
	Sessions() []entities.SessionInfo
}

// ResourceService is the part of the resource store the bridge drives on
// behalf of clients.
type ResourceService interface {
	Options() resource.Options
	ShouldInline(size int64) bool
	Prepare(ctx context.Context, kind entities.ResourceKind, mime string, size int64, sum string) (*resource.Ticket, error)
	Commit(ctx context.Context, rid string, size int64) (*entities.Resource, error)
	Lookup(rid string) (*entities.Resource, error)
	URL(rid string) (string, error)
	Release(ctx context.Context, rid string) (bool, error)
}

type BridgeOptions struct {
	EnableStreaming     bool
	StreamMaxChunkRunes int
}

// SendOptions tune a host Send.
type SendOptions struct {
	// TTSURL is speech the host already synthesised for the text.
	TTSURL string
	// Queue plays the performance after the current one instead of
	// interrupting it.
	Queue bool
}

// StreamMode selects how a streamed reply reaches the client.
type StreamMode int

const (
	// StreamDefault follows the configured enable_streaming setting.
	StreamDefault StreamMode = iota
	StreamIncremental
	StreamBuffered
)

type StreamOptions struct {
	Mode StreamMode
}

// BridgeService routes packets of authenticated sessions and is the host's
// way back to the client.
type BridgeService struct {
	opts      BridgeOptions
	input     *converter.InputConverter
	output    *converter.OutputConverter
	resources ResourceService
	sink      repositories.MessageSink
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu       sync.RWMutex
	sessions SessionDirectory
}

// NewBridgeService wires the bridge. resources may be nil when resource
// transfer is disabled.
func NewBridgeService(
	opts BridgeOptions,
	input *converter.InputConverter,
	output *converter.OutputConverter,
	resources ResourceService,
	sink repositories.MessageSink,
	m *metrics.Metrics,
	logger *zap.Logger,
) *BridgeService {
	if opts.StreamMaxChunkRunes <= 0 {
		opts.StreamMaxChunkRunes = converter.DefaultMaxChunkRunes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BridgeService{
		opts:      opts,
		input:     input,
		output:    output,
		resources: resources,
		sink:      sink,
		metrics:   m,
		logger:    logger,
	}
}

// Attach sets the directory used to resolve host targets. The hub needs the
// bridge as its handler, so the two are joined after construction.
func (s *BridgeService) Attach(dir SessionDirectory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = dir
}

func (s *BridgeService) directory() (SessionDirectory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sessions == nil {
		return nil, ErrNotAttached
	}
	return s.sessions, nil
}

// HandlePacket implements websocket.Handler.
func (s *BridgeService) HandlePacket(ctx context.Context, peer websocket.Peer, p *protocol.Packet) error {
	switch p.Op {
	case protocol.OpInputMessage:
		return s.handleMessage(ctx, peer, p)
	case protocol.OpInputTouch:
		var payload protocol.TouchPayload
		if err := protocol.Bind(p.Payload, &payload); err != nil {
			return err
		}
		return s.deliverText(ctx, peer, p, entities.InboundTouchKind, converter.TouchText(payload))
	case protocol.OpInputShortcut:
		var payload protocol.ShortcutPayload
		if err := protocol.Bind(p.Payload, &payload); err != nil {
			return err
		}
		return s.deliverText(ctx, peer, p, entities.InboundShortcutKind, converter.ShortcutText(payload))

	case protocol.OpResourcePrepare:
		return s.prepare(ctx, peer, p)
	case protocol.OpResourceCommit:
		return s.commit(ctx, peer, p)
	case protocol.OpResourceGet:
		return s.get(peer, p)
	case protocol.OpResourceRelease:
		return s.release(ctx, peer, p)
	case protocol.OpResourceProgress:
		return s.progress(peer, p)

	case protocol.OpStatePlaying:
		var payload protocol.PlayingPayload
		if err := protocol.Bind(p.Payload, &payload); err != nil {
			return err
		}
		peer.Session().SetClientState(StatePlaying, payload.IsPlaying)
		return nil
	case protocol.OpStateConfig:
		peer.Session().SetClientState(StateConfig, p.Payload)
		return nil
	case protocol.OpStateModel:
		peer.Session().SetClientState(StateModel, p.Payload)
		return nil
	case protocol.OpStateReady:
		return nil

	case protocol.OpPerformShow, protocol.OpPerformInterrupt:
		// Echoes of our own performance ops carry nothing to act on.
		return nil
	}
	return protocol.Errorf(protocol.CodeUnsupportedType, "unsupported op %q", p.Op)
}

// Disconnected implements websocket.Handler.
func (s *BridgeService) Disconnected(peer websocket.Peer) {
	sess := peer.Session()
	s.logger.Debug("Session left the bridge",
		zap.String("sessionID", sess.ID),
		zap.String("clientID", sess.ClientID))
}

func (s *BridgeService) handleMessage(ctx context.Context, peer websocket.Peer, p *protocol.Packet) error {
	var payload protocol.InputMessagePayload
	if err := protocol.Bind(p.Payload, &payload); err != nil {
		return err
	}

	in, err := s.input.Convert(payload.Content)
	if in != nil {
		for _, skipped := range in.Skipped {
			s.logger.Info("Skipping content part",
				zap.String("id", p.ID),
				zap.Int("part", skipped.Index),
				zap.String("type", skipped.Type),
				zap.String("reason", skipped.Err.Message))
			if err == nil {
				_ = peer.Send(protocol.ErrorPacket(p.ID, skipped.Err))
			}
		}
	}
	if err != nil {
		s.metrics.Delivery(string(entities.InboundMessageKind), "rejected")
		return err
	}

	msg := s.inbound(peer.Session(), p, payload.Metadata)
	msg.Kind = entities.InboundMessageKind
	msg.Text = in.Text
	msg.Elements = in.Elements
	return s.deliver(ctx, peer, msg)
}

func (s *BridgeService) deliverText(ctx context.Context, peer websocket.Peer, p *protocol.Packet, kind entities.InboundKind, text string) error {
	msg := s.inbound(peer.Session(), p, nil)
	msg.Kind = kind
	msg.Text = text
	msg.Elements = []entities.Element{entities.Text{Text: text}}
	return s.deliver(ctx, peer, msg)
}

// inbound fills the identity fields of a message. Session and user ids stay
// the deterministic ones of the session; metadata only names the sender, the
// message and the group.
func (s *BridgeService) inbound(sess *entities.Session, p *protocol.Packet, metadata map[string]interface{}) entities.InboundMessage {
	ts := time.Now()
	if p.TS > 0 {
		ts = time.UnixMilli(p.TS)
	}
	return entities.InboundMessage{
		MessageID:  firstString(metadata, "messageId", p.ID),
		SessionID:  sess.ID,
		UserID:     sess.UserID,
		ClientID:   sess.ClientID,
		SenderName: firstString(metadata, "userName", defaultSenderName),
		GroupID:    firstString(metadata, "groupId", ""),
		Timestamp:  ts,
		Raw:        p.Payload,
	}
}

func (s *BridgeService) deliver(ctx context.Context, peer websocket.Peer, msg entities.InboundMessage) error {
	if s.sink == nil {
		s.metrics.Delivery(string(msg.Kind), "dropped")
		return protocol.Errorf(protocol.CodePerformFailed, "no host is attached")
	}
	reply := &sessionReplier{bridge: s, target: peer.Session().ID}
	if err := s.sink.Deliver(ctx, msg, reply); err != nil {
		s.metrics.Delivery(string(msg.Kind), "error")
		return fmt.Errorf("deliver %s: %w", msg.MessageID, err)
	}
	s.metrics.Delivery(string(msg.Kind), "ok")
	s.logger.Debug("Message delivered",
		zap.String("messageID", msg.MessageID),
		zap.String("sessionID", msg.SessionID),
		zap.String("kind", string(msg.Kind)))
	return nil
}

func (s *BridgeService) resourceService() (ResourceService, error) {
	if s.resources == nil {
		return nil, protocol.Errorf(protocol.CodeUnsupportedType, "resource transfer is disabled")
	}
	return s.resources, nil
}

func (s *BridgeService) prepare(ctx context.Context, peer websocket.Peer, p *protocol.Packet) error {
	store, err := s.resourceService()
	if err != nil {
		return err
	}
	var req protocol.ResourcePreparePayload
	if err := protocol.Bind(p.Payload, &req); err != nil {
		return err
	}

	if store.ShouldInline(req.Size) {
		s.metrics.ResourceOp("prepare_inline", nil)
		return peer.Send(p.Reply(p.Op, map[string]interface{}{
			"mode":           "inline",
			"maxInlineBytes": store.Options().MaxInlineBytes,
		}))
	}

	ticket, err := store.Prepare(ctx, entities.ResourceKind(req.Kind), req.Mime, req.Size, req.SHA256)
	s.metrics.ResourceOp("prepare", err)
	if err != nil {
		return err
	}
	return peer.Send(p.Reply(p.Op, map[string]interface{}{
		"mode": "upload",
		"rid":  ticket.Resource.RID,
		"upload": map[string]interface{}{
			"url":     ticket.Upload.URL,
			"method":  ticket.Upload.Method,
			"headers": ticket.Upload.Headers,
		},
		"expiresAt": ticket.Upload.ExpiresAt.UnixMilli(),
	}))
}

func (s *BridgeService) commit(ctx context.Context, peer websocket.Peer, p *protocol.Packet) error {
	store, err := s.resourceService()
	if err != nil {
		return err
	}
	var req protocol.ResourceCommitPayload
	if err := protocol.Bind(p.Payload, &req); err != nil {
		return err
	}

	res, err := store.Commit(ctx, req.RID, req.Size)
	s.metrics.ResourceOp("commit", err)
	if err != nil {
		return err
	}
	link, err := store.URL(res.RID)
	if err != nil {
		return err
	}
	return peer.Send(p.Reply(p.Op, map[string]interface{}{
		"rid":    res.RID,
		"status": string(res.Status),
		"size":   res.Size,
		"sha256": res.SHA256,
		"url":    link,
	}))
}

func (s *BridgeService) get(peer websocket.Peer, p *protocol.Packet) error {
	store, err := s.resourceService()
	if err != nil {
		return err
	}
	var req protocol.ResourceRefPayload
	if err := protocol.Bind(p.Payload, &req); err != nil {
		return err
	}

	res, err := store.Lookup(req.RID)
	s.metrics.ResourceOp("get", err)
	if err != nil {
		return err
	}
	link, err := store.URL(res.RID)
	if err != nil {
		return err
	}
	return peer.Send(p.Reply(p.Op, map[string]interface{}{
		"rid":    res.RID,
		"url":    link,
		"mime":   res.Mime,
		"size":   res.Size,
		"sha256": res.SHA256,
		"kind":   string(res.Kind),
	}))
}

func (s *BridgeService) release(ctx context.Context, peer websocket.Peer, p *protocol.Packet) error {
	store, err := s.resourceService()
	if err != nil {
		return err
	}
	var req protocol.ResourceRefPayload
	if err := protocol.Bind(p.Payload, &req); err != nil {
		return err
	}

	released, err := store.Release(ctx, req.RID)
	s.metrics.ResourceOp("release", err)
	if err != nil {
		return err
	}
	return peer.Send(p.Reply(p.Op, map[string]interface{}{
		"rid":      req.RID,
		"released": released,
	}))
}

// progress is informational; the client reports upload progress and nothing
// is sent back.
func (s *BridgeService) progress(peer websocket.Peer, p *protocol.Packet) error {
	var req protocol.ResourceProgressPayload
	if err := protocol.Bind(p.Payload, &req); err != nil {
		return err
	}
	s.logger.Debug("Upload progress",
		zap.String("sessionID", peer.Session().ID),
		zap.String("rid", req.RID),
		zap.Int64("loaded", req.Loaded),
		zap.Int64("total", req.Total))
	return nil
}

func (s *BridgeService) peer(target string) (websocket.Peer, error) {
	dir, err := s.directory()
	if err != nil {
		return nil, err
	}
	return dir.Lookup(target)
}

// Send renders msgs as a single performance and shows it on the target
// session. Elements that fail to render are left out; the performance is still
// shown and the failure is returned.
func (s *BridgeService) Send(ctx context.Context, target string, msgs []entities.Message, opts SendOptions) error {
	peer, err := s.peer(target)
	if err != nil {
		return err
	}

	perf := entities.Performance{Interrupt: !opts.Queue}
	var errs []error
	for _, msg := range msgs {
		part, err := s.output.Convert(ctx, msg, converter.ConvertOptions{TTSURL: opts.TTSURL, Interrupt: !opts.Queue})
		if err != nil {
			errs = append(errs, err)
		}
		perf.Sequence = append(perf.Sequence, part.Sequence...)
	}
	convErr := errors.Join(errs...)

	if perf.Empty() {
		if convErr != nil {
			return protocol.AsError(convErr, protocol.CodePerformFailed)
		}
		s.logger.Debug("Nothing to show", zap.String("target", target))
		return nil
	}
	if err := s.show(peer, perf); err != nil {
		return err
	}
	if convErr != nil {
		s.logger.Warn("Performance shown with missing elements",
			zap.String("sessionID", peer.Session().ID),
			zap.Error(convErr))
		return protocol.AsError(convErr, protocol.CodePerformFailed)
	}
	return nil
}

func (s *BridgeService) show(peer websocket.Peer, perf entities.Performance) error {
	if err := peer.Send(protocol.NewPacket(protocol.OpPerformShow, perf.Payload())); err != nil {
		return fmt.Errorf("send %s to %s: %w", protocol.OpPerformShow, peer.Session().ID, err)
	}
	return nil
}

// Stream opens an incremental reply to the target session.
func (s *BridgeService) Stream(ctx context.Context, target string, opts StreamOptions) (*StreamWriter, error) {
	peer, err := s.peer(target)
	if err != nil {
		return nil, err
	}
	incremental := s.opts.EnableStreaming
	switch opts.Mode {
	case StreamIncremental:
		incremental = true
	case StreamBuffered:
		incremental = false
	}
	return newStreamWriter(s, peer, incremental), nil
}

// Interrupt stops whatever the target session is playing.
func (s *BridgeService) Interrupt(target string) error {
	peer, err := s.peer(target)
	if err != nil {
		return err
	}
	return peer.Send(protocol.NewPacket(protocol.OpPerformInterrupt, map[string]interface{}{}))
}

// Query sends a model.* or desktop.* request and waits for the client's
// answer. An answer carrying an error is returned as that error.
func (s *BridgeService) Query(ctx context.Context, target, op string, payload map[string]interface{}) (*protocol.Packet, error) {
	if !protocol.IsQueryOp(op) {
		return nil, protocol.Errorf(protocol.CodeUnsupportedType, "%q is not a query op", op)
	}
	peer, err := s.peer(target)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	reply, err := peer.Request(ctx, protocol.NewPacket(op, payload))
	if err != nil {
		return nil, err
	}
	if reply.Error != nil {
		return reply, reply.Error
	}
	return reply, nil
}

// Sessions lists connected sessions, oldest first.
func (s *BridgeService) Sessions() []entities.SessionInfo {
	dir, err := s.directory()
	if err != nil {
		return nil
	}
	return dir.Sessions()
}

// sessionReplier answers on the session that produced an inbound message.
// Replies resolve the session again on every call so a reconnect in between
// still reaches the client.
type sessionReplier struct {
	bridge *BridgeService
	target string
}

func (r *sessionReplier) Reply(ctx context.Context, msgs ...entities.Message) error {
	return r.bridge.Send(ctx, r.target, msgs, SendOptions{})
}

func (r *sessionReplier) Stream(ctx context.Context) (repositories.ReplyWriter, error) {
	w, err := r.bridge.Stream(ctx, r.target, StreamOptions{})
	if err != nil {
		return nil, err
	}
	return w, nil
}

func firstString(m map[string]interface{}, key, fallback string) string {
	if v, ok := m[key]; ok {
		if s := fmt.Sprint(v); v != nil && s != "" {
			return s
		}
	}
	return fallback
}
