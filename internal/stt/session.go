package stt

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SessionState tracks what the session's owner goroutine is doing.
type SessionState int32

const (
	SessionIdle SessionState = iota
	SessionAccepting
	SessionFinalizing
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionAccepting:
		return "accepting"
	case SessionFinalizing:
		return "finalizing"
	}
	return "unknown"
}

// ErrSessionClosed is returned by Accept and Finalize once Run has returned.
var ErrSessionClosed = errors.New("recognizer session closed")

// Session owns one decoder bound to one sample rate. Run is the only goroutine
// that touches the decoder; Accept and Finalize are requests sent to it, so
// accepts and finalizes never overlap.
type Session struct {
	decoder    Decoder
	sampleRate int
	logger     *slog.Logger
	requests   chan request
	done       chan struct{}
	state      atomic.Int32

	// pending counts samples accepted since the last finalize. Owned by Run.
	pending int

	chunks  metric.Int64Counter
	windows metric.Int64Counter
}

type request struct {
	pcm      []int16
	finalize bool
	reply    chan response
}

type response struct {
	state      DecodingState
	transcript Transcript
	err        error
}

func NewSession(decoder Decoder, sampleRate int, logger *slog.Logger) *Session {
	s := &Session{
		decoder:    decoder,
		sampleRate: sampleRate,
		logger:     logger.With(slog.String("component", "recognizer-session")),
		requests:   make(chan request),
		done:       make(chan struct{}),
	}
	if err := s.initMetrics(); err != nil {
		s.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return s
}

func (s *Session) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-chatbox/stt")
	chunks, err := meter.Int64Counter("loqa.stt.chunks", metric.WithDescription("Audio chunks fed to the decoder, by decoding state"))
	if err != nil {
		return err
	}
	windows, err := meter.Int64Counter("loqa.stt.windows", metric.WithDescription("Finalized capture windows, by result"))
	if err != nil {
		return err
	}
	s.chunks = chunks
	s.windows = windows
	return nil
}

// SampleRate is the rate the decoder was constructed for.
func (s *Session) SampleRate() int { return s.sampleRate }

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Run serves requests until ctx is cancelled, then closes the decoder.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("recognizer session stopping")
			return s.decoder.Close()
		case req := <-s.requests:
			if req.finalize {
				req.reply <- s.finalize(ctx)
			} else {
				req.reply <- s.accept(ctx, req.pcm)
			}
		}
	}
}

// Accept feeds mono PCM to the decoder. A StateFailed result is not an error:
// the chunk is logged and the session keeps accepting.
func (s *Session) Accept(ctx context.Context, pcm []int16) (DecodingState, error) {
	resp, err := s.do(ctx, request{pcm: pcm})
	if err != nil {
		return StateFailed, err
	}
	return resp.state, nil
}

// Finalize returns the transcript for everything accepted since the previous
// call and resets the decoder. The capture stream must be paused.
func (s *Session) Finalize(ctx context.Context) (Transcript, error) {
	resp, err := s.do(ctx, request{finalize: true})
	if err != nil {
		return Transcript{}, err
	}
	return resp.transcript, resp.err
}

func (s *Session) do(ctx context.Context, req request) (response, error) {
	req.reply = make(chan response, 1)
	select {
	case s.requests <- req:
	case <-s.done:
		return response{}, ErrSessionClosed
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
	select {
	case resp := <-req.reply:
		return resp, nil
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

func (s *Session) accept(ctx context.Context, pcm []int16) response {
	s.state.Store(int32(SessionAccepting))
	state := s.decoder.AcceptWaveform(pcm)
	s.pending += len(pcm)

	switch state {
	case StateFailed:
		s.logger.Warn("decoder failed to accept chunk", slog.Int("samples", len(pcm)))
	case StateFinalized:
		s.logger.Debug("decoder closed an utterance", slog.Int("samples", len(pcm)))
	}
	if s.chunks != nil {
		s.chunks.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state.String())))
	}
	return response{state: state}
}

func (s *Session) finalize(ctx context.Context) response {
	s.state.Store(int32(SessionFinalizing))
	defer s.state.Store(int32(SessionIdle))

	if s.pending == 0 {
		s.recordWindow(ctx, "empty")
		return response{}
	}
	samples := s.pending
	s.pending = 0

	transcript, err := s.decoder.FinalResult()
	if err != nil {
		s.recordWindow(ctx, "error")
		return response{err: err}
	}
	if transcript.Empty() {
		s.recordWindow(ctx, "empty")
	} else {
		s.recordWindow(ctx, "transcript")
	}
	s.logger.Debug("window finalized",
		slog.Int("samples", samples),
		slog.Int("chars", len(transcript.Text)),
		slog.Int("words", len(transcript.Words)))
	return response{transcript: transcript}
}

func (s *Session) recordWindow(ctx context.Context, result string) {
	if s.windows != nil {
		s.windows.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}
