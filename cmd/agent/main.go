package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/internal/core/services"
	"peercall/internal/infrastructure/distributed"
	"peercall/internal/infrastructure/memory"
	"peercall/internal/infrastructure/monitoring"
	"peercall/internal/infrastructure/repositories"
	relay "peercall/internal/infrastructure/signal"
	webrtcinfra "peercall/internal/infrastructure/webrtc"
	"peercall/pkg/config"
	"peercall/pkg/logger"
	"peercall/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// loopbackPeer answers calls in -transport=memory mode, where there is no
// relay and no second process.
const loopbackPeer domain.ParticipantID = "loopback"

var errRedisUnavailable = errors.New("redis transport selected but redis is unavailable")

func main() {
	configFlag := flag.String("config", "", "path to config.yaml")
	participant := flag.String("participant", "", "local participant id (overrides agent.participant)")
	transportFlag := flag.String("transport", "", "ws, redis or memory (overrides agent.transport)")
	callee := flag.String("call", "", "participant to call once connected")
	autoAccept := flag.Bool("auto-accept", false, "accept every incoming call")
	flag.Parse()

	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/root/configs/config.yaml",
		"config.yaml",
	}
	if *configFlag != "" {
		configPaths = []string{*configFlag}
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}
	if *participant != "" {
		cfg.Agent.Participant = *participant
	}
	if *transportFlag != "" {
		cfg.Agent.Transport = *transportFlag
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()
	if cfg.Agent.Participant == "" {
		if cfg.Agent.Transport != "memory" {
			log.Fatal("no participant id: set agent.participant or -participant")
		}
		cfg.Agent.Participant = "local"
	}
	localID := domain.ParticipantID(cfg.Agent.Participant)
	log = log.With("participant", localID)

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "peercall-agent",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	registry := repoFactory.CreateSessionRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport, closeTransport, err := buildTransport(ctx, cfg, repoFactory, log)
	if err != nil {
		log.Fatalw("failed to connect signaling transport", "transport", cfg.Agent.Transport, "error", err)
	}

	endpoint, err := webrtcinfra.NewEndpoint(webrtcinfra.EndpointConfigFrom(cfg), webrtcinfra.SilenceSource{}, log)
	if err != nil {
		log.Fatalw("failed to create media endpoint", "error", err)
	}

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	controllerCfg := services.ControllerConfig{
		RingingTimeout: cfg.Call.RingingTimeout,
		ConnectTimeout: cfg.Call.ConnectTimeout,
		SendTimeout:    cfg.Call.SendTimeout,
	}
	door := services.NewFrontDoor(transport, log)
	ctrl := services.NewCallController(controllerCfg, localID, transport, endpoint, registry, door, log, collector)

	ctrl.OnIncomingCall(func(call *services.IncomingCall) {
		log.Infow("incoming call",
			"from", call.From,
			"caller_name", call.Metadata.CallerName,
			"call_id", call.Session.CallID(),
		)
		watch(ctrl, call.Session, log)
		if !*autoAccept {
			return
		}
		acceptCtx, acceptCancel := context.WithTimeout(ctx, cfg.Call.ConnectTimeout)
		defer acceptCancel()
		if err := ctrl.AcceptCall(acceptCtx, call.Session); err != nil {
			log.Warnw("failed to accept call", "from", call.From, "error", err)
		}
	})
	ctrl.OnCallEnded(func(s *services.CallSession, reason domain.EndReason) {
		log.Infow("call ended",
			"remote", s.Remote(),
			"call_id", s.CallID(),
			"reason", reason,
		)
	})

	if err := ctrl.Start(ctx); err != nil {
		log.Fatalw("failed to start call controller", "error", err)
	}

	if cfg.Agent.Transport == "memory" {
		stopLoopback := startLoopback(ctx, controllerCfg, transport, endpoint, registry, log)
		defer stopLoopback()
		if *callee == "" {
			*callee = string(loopbackPeer)
		}
	}

	if cfg.Monitoring.PrometheusEnabled && cfg.Agent.MetricsAddress != "" {
		go serveMetrics(cfg, log)
	}

	if *callee != "" {
		session, err := ctrl.StartCall(ctx, domain.ParticipantID(*callee), domain.CallMetadata{CallerName: cfg.Agent.CallerName})
		if err != nil {
			log.Errorw("failed to place call", "callee", *callee, "error", err)
		} else {
			watch(ctrl, session, log)
			log.Infow("calling", "callee", *callee, "call_id", session.CallID())
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	case <-transportDone(transport):
		log.Warn("relay connection lost")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	for _, s := range ctrl.Sessions() {
		if err := ctrl.EndCall(shutdownCtx, s); err != nil {
			log.Debugw("could not end call", "remote", s.Remote(), "error", err)
		}
	}
	if err := ctrl.Close(shutdownCtx); err != nil {
		log.Errorw("error closing call controller", "error", err)
	}
	if err := door.Close(); err != nil {
		log.Errorw("error closing front door", "error", err)
	}
	if err := closeTransport(); err != nil {
		log.Errorw("error closing transport", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	log.Info("peercall agent stopped")
}

func buildTransport(
	ctx context.Context,
	cfg *config.Config,
	factory *repositories.RepositoryFactory,
	log *zap.SugaredLogger,
) (ports.SignalingTransport, func() error, error) {
	switch cfg.Agent.Transport {
	case "redis":
		client := factory.RedisClient()
		if client == nil {
			return nil, nil, errRedisUnavailable
		}
		return distributed.NewRedisTransport(client, log), func() error { return nil }, nil
	case "memory":
		bus := memory.NewBus(log)
		return bus, bus.Close, nil
	default:
		clientCfg := relay.ClientConfigFrom(cfg)
		if clientCfg.Token == "" && cfg.Auth.JWTSecret != "" {
			// Development setups share the relay secret with the agent.
			token, err := services.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL).
				GenerateToken(clientCfg.Participant, cfg.Agent.CallerName)
			if err != nil {
				return nil, nil, err
			}
			clientCfg.Token = token
		}
		client, err := relay.Dial(ctx, clientCfg, log)
		if err != nil {
			return nil, nil, err
		}
		return client, client.Close, nil
	}
}

// transportDone reports relay disconnects; other transports never finish.
func transportDone(t ports.SignalingTransport) <-chan struct{} {
	if c, ok := t.(*relay.Client); ok {
		return c.Done()
	}
	return nil
}

func watch(ctrl *services.CallController, s *services.CallSession, log *zap.SugaredLogger) {
	ctrl.OnStateChange(s, func(change domain.StateChange) {
		log.Infow("call state changed",
			"remote", s.Remote(),
			"call_id", s.CallID(),
			"from", change.From,
			"to", change.To,
			"reason", change.Reason,
		)
	})
	ctrl.OnRemoteStream(s, func(stream domain.RemoteStream) {
		log.Infow("remote media",
			"remote", s.Remote(),
			"kind", stream.Kind,
			"codec", stream.MimeType,
			"track_id", stream.TrackID,
		)
	})
}

// startLoopback runs a second controller on the same bus that accepts every
// call, so a single process can exercise a complete negotiation.
func startLoopback(
	ctx context.Context,
	cfg services.ControllerConfig,
	transport ports.SignalingTransport,
	endpoint ports.MediaEndpoint,
	registry ports.SessionRegistry,
	log *zap.SugaredLogger,
) func() {
	peerLog := log.With("participant", loopbackPeer)
	peer := services.NewCallController(cfg, loopbackPeer, transport, endpoint, registry, nil, peerLog, nil)
	peer.OnIncomingCall(func(call *services.IncomingCall) {
		if err := peer.AcceptCall(ctx, call.Session); err != nil {
			peerLog.Warnw("loopback failed to accept", "error", err)
		}
	})
	if err := peer.Start(ctx); err != nil {
		log.Fatalw("failed to start loopback peer", "error", err)
	}
	return func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		peer.Close(closeCtx)
	}
}

func serveMetrics(cfg *config.Config, log *zap.SugaredLogger) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))

	log.Infow("serving metrics", "address", cfg.Agent.MetricsAddress)
	if err := http.ListenAndServe(cfg.Agent.MetricsAddress, router); err != nil && err != http.ErrServerClosed {
		log.Warnw("metrics server stopped", "error", err)
	}
}
