package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-chatbox/internal/bus"
	"github.com/loqalabs/loqa-chatbox/internal/capability"
	"github.com/loqalabs/loqa-chatbox/internal/config"
	"github.com/loqalabs/loqa-chatbox/internal/cycle"
	"github.com/loqalabs/loqa-chatbox/internal/eventstore"
	"github.com/loqalabs/loqa-chatbox/internal/natsserver"
	"github.com/loqalabs/loqa-chatbox/internal/protocol"
	"github.com/loqalabs/loqa-chatbox/internal/sink"
	"github.com/loqalabs/loqa-chatbox/internal/stt"
)

const shutdownTimeout = 10 * time.Second

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	runID       string
	httpServer  *http.Server
	telemetry   *telemetry
	busClient   *bus.Client
	registry    *capability.Registry
	ready       atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		runID:  uuid.NewString(),
	}
}

// RunID identifies this process lifetime in the journal and on the bus.
func (r *Runtime) RunID() string { return r.runID }

// Start wires the pipeline and blocks until ctx is cancelled, the window
// limit is reached, or a component fails.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := newTelemetry(ctx, r.cfg, r.runID, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel
	defer r.closeTelemetry()

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer store.Close()

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	defer embedded.Shutdown()

	if r.cfg.Bus.Enabled {
		r.busClient, err = bus.Connect(ctx, r.cfg.Bus, r.cfg.RuntimeName, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return err
		}
		defer r.busClient.Close()
	}

	out, err := r.buildSink(store)
	if err != nil {
		return err
	}
	defer out.Close()

	// The session and its feeder outlive ctx so the last open window,
	// including audio delivered before the pause, is flushed whole.
	sessionCtx, stopSession := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSession()

	feeder := cycle.NewFeeder(sessionCtx, r.logger)
	source, device, err := openSource(r.cfg.Capture, feeder.Handle, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open capture stream: %w", err)
	}
	defer source.Close()
	format := source.Format()

	decoder, err := newDecoder(r.cfg.STT, format.SampleRate)
	if err != nil {
		return fmt.Errorf("failed to create %s recognizer: %w", r.cfg.STT.Mode, err)
	}
	session := stt.NewSession(decoder, format.SampleRate, r.logger)
	if err := feeder.Bind(format, session); err != nil {
		_ = decoder.Close()
		return err
	}

	if err := store.AppendRun(ctx, eventstore.Run{
		ID:         r.runID,
		Device:     device,
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
		Decoder:    r.cfg.STT.Mode,
	}); err != nil {
		r.logger.Warn("failed to journal run", slog.String("error", err.Error()))
	}

	if r.busClient != nil {
		r.registry, err = capability.NewRegistry(ctx, r.cfg.Bus, r.runID, []protocol.Capability{
			{Name: "stt", Attributes: map[string]string{
				"decoder":  r.cfg.STT.Mode,
				"language": r.cfg.STT.Language,
			}},
			{Name: "capture", Attributes: map[string]string{
				"device": device,
				"format": format.String(),
			}},
		}, r.busClient, r.logger)
		if err != nil {
			_ = decoder.Close()
			return err
		}
		defer r.registry.Close()
	}

	r.logger.Info("pipeline ready",
		slog.String("run_id", r.runID),
		slog.String("device", device),
		slog.String("format", format.String()),
		slog.String("decoder", r.cfg.STT.Mode))

	sessionDone := make(chan error, 1)
	go func() { sessionDone <- session.Run(sessionCtx) }()
	defer func() {
		stopSession()
		if err := <-sessionDone; err != nil {
			r.logger.Warn("recognizer close failed", slog.String("error", err.Error()))
		}
	}()

	loop := cycle.New(r.cfg.Cycle, r.cfg.Sink, source, session, out, r.logger)
	loop.OnStarted = func() { r.ready.Store(true) }

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return loop.Run(gctx)
	})
	if r.cfg.HTTP.Enabled {
		r.startHTTP(gctx, g, r.telemetry.metricsHandler())
	}

	err = g.Wait()
	r.ready.Store(false)
	r.logPeers()
	if dropped := feeder.Dropped(); dropped > 0 {
		r.logger.Info("chunks dropped during run", slog.Int64("count", dropped))
	}
	r.logger.Info("runtime stopping")
	return err
}

// logPeers reports the other speech-to-text pipelines heard on the bus.
func (r *Runtime) logPeers() {
	if r.registry == nil {
		return
	}
	for _, peer := range r.registry.Query(capability.WithCapability("stt")) {
		if peer.RunID == r.runID {
			continue
		}
		r.logger.Info("stt pipeline seen on bus",
			slog.String("run_id", peer.RunID),
			slog.Bool("healthy", peer.Healthy),
			slog.Time("last_seen", peer.LastSeen))
	}
}

func (r *Runtime) buildSink(store *eventstore.Store) (sink.Sink, error) {
	var sinks sink.Multi
	if r.cfg.Sink.OSCEnabled {
		osc, err := sink.NewOSC(r.cfg.Sink, r.logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, osc)
	}
	if r.busClient != nil {
		sinks = append(sinks, sink.NewNATS(r.busClient, r.cfg.Sink.NATSSubject, r.runID))
	}
	if store.Enabled() {
		sinks = append(sinks, sink.NewJournal(store, r.runID))
	}
	if len(sinks) == 0 {
		return nil, errors.New("no transcript sink enabled")
	}
	return sinks, nil
}

func (r *Runtime) startHTTP(ctx context.Context, g *errgroup.Group, metricsHandler http.Handler) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.Handle("/metrics", metricsHandler)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		r.logger.Info("http server listening", slog.String("addr", addr))
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})
}

func (r *Runtime) closeTelemetry() {
	if r.telemetry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := r.telemetry.shutdown(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.registry == nil || (r.busClient.Healthy() && r.registry.Healthy())) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
