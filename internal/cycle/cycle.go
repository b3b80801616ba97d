// Package cycle runs the capture loop: play for a window, pause, finalize the
// recognizer and forward what it heard.
package cycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-chatbox/internal/capture"
	"github.com/loqalabs/loqa-chatbox/internal/config"
	"github.com/loqalabs/loqa-chatbox/internal/sink"
	"github.com/loqalabs/loqa-chatbox/internal/stt"
)

const flushTimeout = 10 * time.Second

// Finalizer is the part of the recognizer session the loop drives.
type Finalizer interface {
	Finalize(ctx context.Context) (stt.Transcript, error)
}

type Cycle struct {
	window       time.Duration
	announceText string
	maxWindows   int
	failFast     bool

	source    capture.Source
	finalizer Finalizer
	sink      sink.Sink
	logger    *slog.Logger
	tracer    trace.Tracer

	// OnStarted, if set, is called once the announcement was sent.
	OnStarted func()

	forwarded metric.Int64Counter
	failures  metric.Int64Counter
}

func New(cfg config.CycleConfig, sinkCfg config.SinkConfig, source capture.Source, finalizer Finalizer, out sink.Sink, logger *slog.Logger) *Cycle {
	c := &Cycle{
		window:       time.Duration(cfg.WindowMS) * time.Millisecond,
		announceText: cfg.AnnounceText,
		maxWindows:   cfg.MaxWindows,
		failFast:     sinkCfg.FailFast,
		source:       source,
		finalizer:    finalizer,
		sink:         out,
		logger:       logger.With(slog.String("component", "capture-cycle")),
		tracer:       otel.Tracer("github.com/loqalabs/loqa-chatbox/cycle"),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-chatbox/cycle")
	var err error
	if c.forwarded, err = meter.Int64Counter("loqa.cycle.transcripts_forwarded", metric.WithDescription("Transcripts delivered to the sink")); err != nil {
		c.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if c.failures, err = meter.Int64Counter("loqa.cycle.sink_failures", metric.WithDescription("Failed sink deliveries")); err != nil {
		c.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return c
}

// Run announces the pipeline, then captures windows until ctx is cancelled or
// the window limit is reached. A window interrupted by cancellation is still
// paused and finalized before Run returns.
func (c *Cycle) Run(ctx context.Context) error {
	if err := c.deliver(ctx, c.announceText); err != nil {
		return err
	}
	c.logger.Info("capture cycle started", slog.Duration("window", c.window))
	if c.OnStarted != nil {
		c.OnStarted()
	}

	for n := 1; c.maxWindows == 0 || n <= c.maxWindows; n++ {
		if ctx.Err() != nil {
			return nil
		}
		if err := c.runWindow(ctx, n); err != nil {
			return err
		}
	}
	c.logger.Info("window limit reached", slog.Int("windows", c.maxWindows))
	return nil
}

func (c *Cycle) runWindow(ctx context.Context, n int) error {
	windowID := uuid.NewString()
	spanCtx, span := c.tracer.Start(ctx, "capture.window",
		trace.WithAttributes(attribute.String("window.id", windowID), attribute.Int("window.number", n)))
	defer span.End()

	if err := c.source.Play(); err != nil {
		return fmt.Errorf("play capture stream: %w", err)
	}

	timer := time.NewTimer(c.window)
	interrupted := false
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		interrupted = true
	}

	if err := c.source.Pause(); err != nil {
		return fmt.Errorf("pause capture stream: %w", err)
	}

	finalizeCtx := spanCtx
	if interrupted {
		var cancel context.CancelFunc
		finalizeCtx, cancel = context.WithTimeout(context.WithoutCancel(spanCtx), flushTimeout)
		defer cancel()
	}

	transcript, err := c.finalizer.Finalize(finalizeCtx)
	if err != nil {
		span.RecordError(err)
		c.logger.Warn("finalize failed", slog.String("window", windowID), slog.String("error", err.Error()))
		return nil
	}
	if transcript.Empty() {
		c.logger.Debug("nothing recognized", slog.String("window", windowID))
		return nil
	}

	c.logger.Info("transcript", slog.String("window", windowID), slog.String("text", transcript.Text))
	span.SetAttributes(attribute.Int("transcript.chars", len(transcript.Text)))
	return c.deliver(finalizeCtx, transcript.Text)
}

func (c *Cycle) deliver(ctx context.Context, text string) error {
	err := c.sink.Send(ctx, text, true)
	if err == nil {
		if c.forwarded != nil {
			c.forwarded.Add(ctx, 1)
		}
		return nil
	}
	if c.failures != nil {
		c.failures.Add(ctx, 1)
	}
	if c.failFast {
		return fmt.Errorf("sink send: %w", err)
	}
	c.logger.Warn("sink send failed", slog.String("error", err.Error()))
	return nil
}
