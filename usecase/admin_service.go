package usecase

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/l2dbridge/domain/entities"
	"github.com/satriahrh/l2dbridge/internal/cleanup"
	"github.com/satriahrh/l2dbridge/internal/converter"
	"github.com/satriahrh/l2dbridge/internal/protocol"
	"github.com/satriahrh/l2dbridge/internal/resource"
)

// StoreUsage reports how full a store is.
type StoreUsage interface {
	Stats() resource.Stats
}

// ResourceInventory reports what the resource store holds.
type ResourceInventory interface {
	StoreUsage
	List() []entities.Resource
}

// CleanupRunner sweeps the stores on demand.
type CleanupRunner interface {
	RunOnce(ctx context.Context) ([]cleanup.Result, error)
}

// Status is a snapshot of the running bridge.
type Status struct {
	Version   string                    `json:"version"`
	StartedAt time.Time                 `json:"startedAt"`
	Uptime    string                    `json:"uptime"`
	Sessions  int                       `json:"sessions"`
	HostMode  string                    `json:"hostMode"`
	Stores    map[string]resource.Stats `json:"stores"`
}

type ResourceReport struct {
	Stats     resource.Stats      `json:"stats"`
	Resources []entities.Resource `json:"resources"`
}

type SayRequest struct {
	Target string `json:"target"`
	Text   string `json:"text" validate:"required"`
	// Interrupt defaults to true.
	Interrupt *bool  `json:"interrupt"`
	TTSURL    string `json:"ttsUrl"`
}

type MotionRequest struct {
	Text string `json:"text" validate:"required"`
}

type QueryRequest struct {
	Target  string                 `json:"target"`
	Op      string                 `json:"op" validate:"required"`
	Payload map[string]interface{} `json:"payload"`
}

// AdminService backs the admin HTTP surface and CLI.
type AdminService struct {
	bridge    *BridgeService
	resources ResourceInventory
	temp      StoreUsage
	cleaner   CleanupRunner
	motions   *converter.KeywordClassifier
	hostMode  string
	startedAt time.Time
	logger    *zap.Logger
}

// NewAdminService builds the admin service. resources, temp and cleaner may be
// nil when the matching subsystem is disabled.
func NewAdminService(bridge *BridgeService, resources ResourceInventory, temp StoreUsage, cleaner CleanupRunner, hostMode string, logger *zap.Logger) *AdminService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminService{
		bridge:    bridge,
		resources: resources,
		temp:      temp,
		cleaner:   cleaner,
		motions:   converter.NewKeywordClassifier(nil),
		hostMode:  hostMode,
		startedAt: time.Now(),
		logger:    logger,
	}
}

func (a *AdminService) Status() Status {
	st := Status{
		Version:   protocol.Version,
		StartedAt: a.startedAt,
		Uptime:    time.Since(a.startedAt).Truncate(time.Second).String(),
		Sessions:  len(a.bridge.Sessions()),
		HostMode:  a.hostMode,
		Stores:    map[string]resource.Stats{},
	}
	if a.resources != nil {
		st.Stores["resources"] = a.resources.Stats()
	}
	if a.temp != nil {
		st.Stores["temp"] = a.temp.Stats()
	}
	return st
}

func (a *AdminService) Sessions() []entities.SessionInfo {
	sessions := a.bridge.Sessions()
	if sessions == nil {
		return []entities.SessionInfo{}
	}
	return sessions
}

func (a *AdminService) Resources() (ResourceReport, error) {
	if a.resources == nil {
		return ResourceReport{}, protocol.Errorf(protocol.CodeUnsupportedType, "resource transfer is disabled")
	}
	return ResourceReport{Stats: a.resources.Stats(), Resources: a.resources.List()}, nil
}

func (a *AdminService) Cleanup(ctx context.Context) ([]cleanup.Result, error) {
	if a.cleaner == nil {
		return nil, protocol.Errorf(protocol.CodeUnsupportedType, "cleanup is disabled")
	}
	results, err := a.cleaner.RunOnce(ctx)
	a.logger.Info("Manual cleanup finished", zap.Int("stores", len(results)), zap.Error(err))
	return results, err
}

// Say shows text on a session as if the host had replied.
func (a *AdminService) Say(ctx context.Context, req SayRequest) error {
	if strings.TrimSpace(req.Text) == "" {
		return protocol.Errorf(protocol.CodeInvalidPayload, "text is required")
	}
	queue := req.Interrupt != nil && !*req.Interrupt
	return a.bridge.Send(ctx, req.Target, []entities.Message{entities.NewTextMessage(req.Text)}, SendOptions{
		TTSURL: req.TTSURL,
		Queue:  queue,
	})
}

func (a *AdminService) Query(ctx context.Context, req QueryRequest) (*protocol.Packet, error) {
	if req.Op == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidPayload, "op is required")
	}
	return a.bridge.Query(ctx, req.Target, req.Op, req.Payload)
}

// MotionTypes lists the motion types placeholders can carry with their keywords.
func (a *AdminService) MotionTypes() []converter.MotionRule {
	return a.motions.Rules()
}

// MatchMotion shows which motion type automatic motion would pick for text.
func (a *AdminService) MatchMotion(req MotionRequest) (converter.MotionMatch, error) {
	if strings.TrimSpace(req.Text) == "" {
		return converter.MotionMatch{}, protocol.Errorf(protocol.CodeInvalidPayload, "text is required")
	}
	return a.motions.Match(req.Text), nil
}
