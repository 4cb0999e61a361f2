package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/satriahrh/l2dbridge/adapters/blob"
	"github.com/satriahrh/l2dbridge/adapters/host"
	"github.com/satriahrh/l2dbridge/domain/repositories"
	"github.com/satriahrh/l2dbridge/internal/api"
	"github.com/satriahrh/l2dbridge/internal/auth"
	"github.com/satriahrh/l2dbridge/internal/cleanup"
	"github.com/satriahrh/l2dbridge/internal/config"
	"github.com/satriahrh/l2dbridge/internal/converter"
	"github.com/satriahrh/l2dbridge/internal/metrics"
	"github.com/satriahrh/l2dbridge/internal/protocol"
	"github.com/satriahrh/l2dbridge/internal/resource"
	"github.com/satriahrh/l2dbridge/internal/telemetry"
	"github.com/satriahrh/l2dbridge/internal/websocket"
	"github.com/satriahrh/l2dbridge/usecase"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the websocket bridge and the resource endpoint",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	if cfg.TokenGenerated {
		logger.Info("Generated a new auth token", zap.String("file", cfg.TokenFile))
	}
	return app.run(ctx)
}

type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	hub     *websocket.Hub
	cleaner *cleanup.Service
	tracing *sdktrace.TracerProvider
	wsEcho  *echo.Echo

	// httpEcho serves resources, admin and metrics. It is nil when neither
	// resource transfer nor the admin surface is enabled.
	httpEcho *echo.Echo
}

func buildApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	m := metrics.New()

	// tp stays a nil interface when tracing is off so the hub keeps the
	// global no-op provider.
	var tp trace.TracerProvider
	var tracing *sdktrace.TracerProvider
	if cfg.TraceEnabled {
		tracing = telemetry.NewTracerProvider(telemetry.TraceOptions{
			ServiceName: telemetry.ServiceName,
			SampleRatio: cfg.TraceSampleRatio,
		}, logger.Named("trace"))
		otel.SetTracerProvider(tracing)
		tp = tracing
	}

	temp, err := resource.NewTempStore(cfg.TempDir, resource.TempOptions{
		TTL:           cfg.TempTTL(),
		MaxTotalBytes: cfg.TempMaxTotalBytes,
		MaxFiles:      cfg.TempMaxFiles,
		ProtectRecent: cfg.TempProtect(),
	}, logger.Named("temp"))
	if err != nil {
		return nil, err
	}
	sweepers := []cleanup.Sweeper{temp}

	var store *resource.Store
	var signer *auth.Signer
	if cfg.ResourceEnabled {
		blobs, err := newBlobStore(cfg, logger.Named("blob"))
		if err != nil {
			return nil, err
		}
		signer, err = auth.NewSigner(cfg.ResourceToken, cfg.ResourceLinkTTL())
		if err != nil {
			return nil, err
		}
		store = resource.NewStore(blobs, resource.Options{
			BaseURL:          cfg.ResourceBaseURL,
			Path:             cfg.ResourcePath,
			MaxInlineBytes:   cfg.ResourceMaxInlineBytes,
			MaxResourceBytes: cfg.ResourceMaxBytes,
			TTL:              cfg.ResourceTTL(),
			MaxTotalBytes:    cfg.ResourceMaxTotalBytes,
			MaxFiles:         cfg.ResourceMaxFiles,
			ProtectRecent:    cfg.ResourceProtect(),
			LinkTTL:          cfg.ResourceLinkTTL(),
		}, signer, logger.Named("resource"))
		sweepers = append(sweepers, store)
	}

	// Interface values stay nil when the store is disabled.
	var (
		publisher converter.ResourcePublisher
		resources usecase.ResourceService
		inventory usecase.ResourceInventory
	)
	if store != nil {
		publisher, resources, inventory = store, store, store
	}

	input := converter.NewInputConverter(temp, cfg.MaxMessageLength, logger.Named("input"))
	output := converter.NewOutputConverter(converter.OutputOptions{
		EnableTTS:  cfg.EnableTTS,
		TTSMode:    cfg.TTSMode,
		TTSVoice:   cfg.TTSVoice,
		AutoMotion: cfg.EnableAutoMotion,
	}, publisher, nil, logger.Named("output"))

	sink, err := newMessageSink(cfg, logger.Named("host"))
	if err != nil {
		return nil, err
	}

	bridge := usecase.NewBridgeService(usecase.BridgeOptions{
		EnableStreaming:     cfg.EnableStreaming,
		StreamMaxChunkRunes: cfg.StreamMaxChunkRunes,
	}, input, output, resources, sink, m, logger.Named("bridge"))

	hub := websocket.NewHub(websocket.Options{
		AuthToken:        cfg.AuthToken,
		MaxConnections:   cfg.MaxConnections,
		KickOld:          cfg.KickOld,
		HandshakeTimeout: cfg.HandshakeTimeout(),
		HeartbeatTimeout: cfg.HeartbeatTimeout(),
		RequestTimeout:   cfg.RequestTimeout(),
		MaxFrameBytes:    cfg.MaxFrameBytes,
		MaxViolations:    cfg.MaxViolations,
		AckConfig:        ackConfig(cfg),
		TracerProvider:   tp,
	}, bridge, m, logger.Named("hub"))
	bridge.Attach(hub)

	cleaner := cleanup.NewService(cfg.CleanupInterval(), m, logger.Named("cleanup"), sweepers...)

	a := &app{
		cfg:     cfg,
		logger:  logger,
		hub:     hub,
		cleaner: cleaner,
		tracing: tracing,
		wsEcho:  newEcho(logger.Named("ws")),
	}
	api.InitWebSocketRoutes(a.wsEcho, hub.HandleWebSocket, cfg.WSPath, logger)

	var rs *api.ResourceServer
	if store != nil {
		rs = api.NewResourceServer(store, cfg.ResourceToken, signer, cfg.ResourceUploadSlots, m, logger.Named("transfer"))
	}
	var ah *api.AdminHandler
	if cfg.AdminEnabled {
		admin := usecase.NewAdminService(bridge, inventory, temp, cleaner, cfg.HostMode, logger.Named("admin"))
		ah = api.NewAdminHandler(admin, cfg.AuthToken, logger.Named("admin"))
	}
	if rs != nil || ah != nil {
		a.httpEcho = newEcho(logger.Named("http"))
		api.InitHTTPRoutes(a.httpEcho, cfg.ResourcePath, rs, ah, m)
	}
	return a, nil
}

func (a *app) run(ctx context.Context) error {
	if err := a.cleaner.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("WebSocket listener starting",
			zap.String("addr", a.cfg.WSAddr()),
			zap.String("path", a.cfg.WSPath))
		return serveEcho(a.wsEcho, a.cfg.WSAddr())
	})
	if a.httpEcho != nil {
		g.Go(func() error {
			a.logger.Info("HTTP listener starting",
				zap.String("addr", a.cfg.ResourceAddr()),
				zap.String("resourceBaseUrl", a.cfg.ResourceBaseURL))
			return serveEcho(a.httpEcho, a.cfg.ResourceAddr())
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Bridge is shutting down...")
		return a.shutdown()
	})

	err := g.Wait()
	a.logger.Info("Bridge exited")
	return err
}

// shutdown closes the sessions first so clients see going-away rather than a
// dropped socket.
func (a *app) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.hub.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close sessions: %w", err))
	}
	if err := a.wsEcho.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop websocket listener: %w", err))
	}
	if a.httpEcho != nil {
		if err := a.httpEcho.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop http listener: %w", err))
		}
	}
	if err := a.cleaner.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop cleanup: %w", err))
	}
	if a.tracing != nil {
		if err := a.tracing.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush spans: %w", err))
		}
	}
	return errors.Join(errs...)
}

func serveEcho(e *echo.Echo, addr string) error {
	if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return nil
}

func newEcho(logger *zap.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	// URIPath only: resource URLs carry tokens in the query string.
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURIPath:  true,
		LogMethod:   true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("path", v.URIPath),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("remote", v.RemoteIP),
			}
			if v.Error != nil {
				logger.Warn("Request failed", append(fields, zap.Error(v.Error))...)
				return nil
			}
			logger.Debug("Request", fields...)
			return nil
		},
	}))
	return e
}

func newBlobStore(cfg *config.Config, logger *zap.Logger) (repositories.BlobStore, error) {
	switch cfg.BlobBackend {
	case "s3":
		return blob.NewS3Store(blob.S3Options{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			Prefix:    cfg.S3Prefix,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			PathStyle: cfg.S3PathStyle,
		}, logger)
	default:
		return blob.NewDiskStore(cfg.ResourceDir, logger)
	}
}

func newMessageSink(cfg *config.Config, logger *zap.Logger) (repositories.MessageSink, error) {
	switch cfg.HostMode {
	case "webhook":
		return host.NewWebhook(host.WebhookOptions{
			URL:     cfg.WebhookURL,
			Timeout: cfg.WebhookTimeout(),
			Token:   cfg.WebhookToken,
		}, logger)
	default:
		return host.NewLoopback(host.DefaultEchoPrefix, logger), nil
	}
}

// ackConfig is the config block sent to the client in sys.handshake_ack.
func ackConfig(cfg *config.Config) map[string]interface{} {
	ack := map[string]interface{}{
		"protocolVersion":       protocol.Version,
		"maxMessageLength":      cfg.MaxMessageLength,
		"supportedImageFormats": converter.SupportedImageFormats,
		"supportedAudioFormats": converter.SupportedAudioFormats,
		"supportedVideoFormats": converter.SupportedVideoFormats,
		"ttsProvider":           ttsProvider(cfg),
		"ttsMode":               cfg.TTSMode,
		"sttProvider":           "host",
		"streaming":             cfg.EnableStreaming,
		"heartbeatTimeoutMs":    cfg.HeartbeatTimeout().Milliseconds(),
		"resourceEnabled":       cfg.ResourceEnabled,
	}
	if cfg.ResourceEnabled {
		ack["maxInlineBytes"] = cfg.ResourceMaxInlineBytes
		ack["maxResourceBytes"] = cfg.ResourceMaxBytes
		ack["resourceBaseUrl"] = cfg.ResourceBaseURL + cfg.ResourcePath
		ack["resourcePath"] = cfg.ResourcePath
	}
	return ack
}

func ttsProvider(cfg *config.Config) string {
	if !cfg.EnableTTS {
		return "none"
	}
	if cfg.TTSMode == converter.TTSModeRemote {
		return "remote"
	}
	return "local"
}
