package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-chat/internal/bus"
	"github.com/loqalabs/loqa-chat/internal/chat"
	"github.com/loqalabs/loqa-chat/internal/config"
	"github.com/loqalabs/loqa-chat/internal/eventstore"
	"github.com/loqalabs/loqa-chat/internal/gateway"
	"github.com/loqalabs/loqa-chat/internal/imagegen"
	"github.com/loqalabs/loqa-chat/internal/llm"
	"github.com/loqalabs/loqa-chat/internal/natsserver"
	"github.com/loqalabs/loqa-chat/internal/presence"
	"github.com/loqalabs/loqa-chat/internal/router"
	"github.com/loqalabs/loqa-chat/internal/tts"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg         config.Config
	version     string
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	router   *router.Service
	presence *presence.Registry
	gateway  *gateway.Gateway
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startServices(ctx); err != nil {
		r.stopServices()
		_ = r.tracerClose(context.Background())
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	if r.cfg.Gateway.Enabled {
		r.gateway = gateway.New(r.cfg.Gateway, r.bus, r.logger)
		mux.Handle(r.cfg.Gateway.Path, r.gateway)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runPrune(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.gateway != nil {
		// hijacked connections outlive the HTTP server
		r.gateway.Close()
	}
	r.wg.Wait()
	r.stopServices()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// startServices brings up the bus, the collaborators and the router. Partial
// progress is undone by stopServices.
func (r *Runtime) startServices(ctx context.Context) error {
	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.nats = ns
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	if err := r.store.Ensure(); err != nil {
		return err
	}

	generator, err := llm.New(r.cfg.LLM)
	if err != nil {
		return fmt.Errorf("llm backend: %w", err)
	}
	images, err := imagegen.New(r.cfg.Image)
	if err != nil {
		return fmt.Errorf("image backend: %w", err)
	}
	synth, err := tts.New(r.cfg.TTS)
	if err != nil {
		return fmt.Errorf("tts backend: %w", err)
	}

	player := router.NewPlayer(r.bus, r.cfg.Chat, r.logger)
	orch := chat.NewOrchestrator(chat.Options{
		Chat:        r.cfg.Chat,
		LLM:         r.cfg.LLM,
		Image:       r.cfg.Image,
		TTS:         r.cfg.TTS,
		Generator:   generator,
		Images:      images,
		Synthesizer: synth,
		Player:      player,
		Presenter:   router.NewPresenter(r.bus, r.logger),
		Recorder:    r.store,
		Logger:      r.logger,
	})

	r.router = router.NewService(ctx, r.cfg.Chat, r.bus, orch, chat.NewCatalog(r.cfg.Chat), player, r.logger)
	if err := r.router.Start(); err != nil {
		return fmt.Errorf("start router: %w", err)
	}

	r.presence, err = presence.NewRegistry(ctx, r.cfg.Node, r.version, presence.BackendsFromConfig(r.cfg), orch.ActiveSessions, r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("start presence: %w", err)
	}
	r.logger.Info("chat services started",
		slog.String("llm", r.cfg.LLM.Mode),
		slog.String("image", r.cfg.Image.Mode),
		slog.String("tts", r.cfg.TTS.Mode),
		slog.String("event_store", r.cfg.EventStore.RetentionMode),
	)
	return nil
}

func (r *Runtime) stopServices() {
	if r.presence != nil {
		r.presence.Close()
		r.presence = nil
	}
	if r.router != nil {
		r.router.Close()
		r.router = nil
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
		r.store = nil
	}
	if r.bus != nil {
		r.bus.Close()
		r.bus = nil
	}
	if r.nats != nil {
		r.nats.Shutdown()
		r.nats = nil
	}
}

func (r *Runtime) runPrune(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.router != nil && r.router.Healthy() && r.presence != nil && r.presence.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
