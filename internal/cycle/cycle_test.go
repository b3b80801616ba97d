package cycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-chatbox/internal/audio"
	"github.com/loqalabs/loqa-chatbox/internal/capture"
	"github.com/loqalabs/loqa-chatbox/internal/config"
	"github.com/loqalabs/loqa-chatbox/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

var stereo = audio.Format{SampleFormat: audio.FormatF32, SampleRate: 16000, Channels: 2}

// fakeSource delivers one scripted batch of chunks per Play call.
type fakeSource struct {
	handler capture.Handler
	windows [][]audio.Chunk
	plays   int
	pauses  int
	played  chan struct{}
	// beforePause, if set, is delivered as an in-flight chunk when Pause is called.
	beforePause []audio.Chunk
}

func (f *fakeSource) Format() audio.Format { return stereo }

func (f *fakeSource) Play() error {
	if f.plays < len(f.windows) {
		for _, chunk := range f.windows[f.plays] {
			f.handler(chunk)
		}
	}
	f.plays++
	if f.played != nil {
		select {
		case f.played <- struct{}{}:
		default:
		}
	}
	return nil
}

func (f *fakeSource) Pause() error {
	for _, chunk := range f.beforePause {
		f.handler(chunk)
	}
	f.pauses++
	return nil
}

func (f *fakeSource) Close() error { return nil }

type message struct {
	text string
	flag bool
}

type recordingSink struct {
	mu       sync.Mutex
	messages []message
	err      error
}

func (s *recordingSink) Send(_ context.Context, text string, flag bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, message{text: text, flag: flag})
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) snapshot() []message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]message(nil), s.messages...)
}

func silence(frames int) audio.Chunk {
	return audio.Chunk{Format: stereo, F32: make([]float32, frames*2)}
}

func tone(frames int) audio.Chunk {
	samples := make([]float32, frames*2)
	for i := range samples {
		if i%4 < 2 {
			samples[i] = 0.5
		} else {
			samples[i] = -0.5
		}
	}
	return audio.Chunk{Format: stereo, F32: samples}
}

type harness struct {
	source *fakeSource
	sink   *recordingSink
	feeder *Feeder
	cycle  *Cycle
}

func newHarness(t *testing.T, cycleCfg config.CycleConfig, sinkCfg config.SinkConfig, windows ...[]audio.Chunk) *harness {
	t.Helper()
	sessionCtx, stopSession := context.WithCancel(context.Background())
	session := stt.NewSession(stt.NewMockDecoder(stereo.SampleRate), stereo.SampleRate, newLogger())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = session.Run(sessionCtx)
	}()
	t.Cleanup(func() {
		stopSession()
		<-done
	})

	feeder := NewFeeder(context.Background(), newLogger())
	source := &fakeSource{handler: feeder.Handle, windows: windows}
	if err := feeder.Bind(source.Format(), session); err != nil {
		t.Fatalf("bind feeder: %v", err)
	}
	out := &recordingSink{}
	return &harness{
		source: source,
		sink:   out,
		feeder: feeder,
		cycle:  New(cycleCfg, sinkCfg, source, session, out, newLogger()),
	}
}

func TestAnnounceThenSilenceSendsNothingElse(t *testing.T) {
	h := newHarness(t,
		config.CycleConfig{WindowMS: 5, AnnounceText: "STT Initialized", MaxWindows: 3},
		config.SinkConfig{},
		[]audio.Chunk{silence(256)}, []audio.Chunk{silence(256)}, nil)

	if err := h.cycle.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	msgs := h.sink.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("expected only the announcement, got %+v", msgs)
	}
	if msgs[0].text != "STT Initialized" || !msgs[0].flag {
		t.Fatalf("unexpected announcement %+v", msgs[0])
	}
	if h.source.plays != 3 || h.source.pauses != 3 {
		t.Fatalf("expected 3 play/pause pairs, got %d/%d", h.source.plays, h.source.pauses)
	}
}

func TestUtteranceForwardedOncePerWindow(t *testing.T) {
	h := newHarness(t,
		config.CycleConfig{WindowMS: 5, AnnounceText: "ready", MaxWindows: 3},
		config.SinkConfig{},
		[]audio.Chunk{silence(128)},
		[]audio.Chunk{tone(128), tone(128)},
		[]audio.Chunk{silence(128)})

	if err := h.cycle.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	msgs := h.sink.snapshot()
	if len(msgs) != 2 {
		t.Fatalf("expected announcement plus one transcript, got %+v", msgs)
	}
	if msgs[0].text != "ready" {
		t.Fatalf("announcement must come first, got %q", msgs[0].text)
	}
	if !strings.HasPrefix(msgs[1].text, "[mock transcript") || !msgs[1].flag {
		t.Fatalf("unexpected transcript message %+v", msgs[1])
	}
	if !strings.Contains(msgs[1].text, "voiced=256") {
		t.Fatalf("expected both chunks downmixed into one window, got %q", msgs[1].text)
	}
}

func TestBadChunkDoesNotStopCycle(t *testing.T) {
	bad := audio.Chunk{Format: audio.Format{SampleFormat: audio.FormatI16, SampleRate: 16000, Channels: 2}, I16: make([]int16, 4)}
	h := newHarness(t,
		config.CycleConfig{WindowMS: 5, AnnounceText: "ready", MaxWindows: 2},
		config.SinkConfig{},
		[]audio.Chunk{bad},
		[]audio.Chunk{tone(64)})

	if err := h.cycle.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.feeder.Dropped() != 1 {
		t.Fatalf("expected one dropped chunk, got %d", h.feeder.Dropped())
	}
	if msgs := h.sink.snapshot(); len(msgs) != 2 {
		t.Fatalf("expected the second window to be forwarded, got %+v", msgs)
	}
}

func TestSinkFailureIsRecoverableByDefault(t *testing.T) {
	h := newHarness(t,
		config.CycleConfig{WindowMS: 5, AnnounceText: "ready", MaxWindows: 2},
		config.SinkConfig{},
		[]audio.Chunk{tone(64)}, []audio.Chunk{tone(64)})
	h.sink.err = errors.New("connection refused")

	if err := h.cycle.Run(context.Background()); err != nil {
		t.Fatalf("expected sink errors to be logged, got %v", err)
	}
	if h.source.plays != 2 {
		t.Fatalf("expected both windows to run, got %d", h.source.plays)
	}
}

func TestSinkFailureFailFast(t *testing.T) {
	h := newHarness(t,
		config.CycleConfig{WindowMS: 5, AnnounceText: "ready", MaxWindows: 2},
		config.SinkConfig{FailFast: true},
		[]audio.Chunk{tone(64)})
	h.sink.err = errors.New("connection refused")

	if err := h.cycle.Run(context.Background()); err == nil {
		t.Fatal("expected fail-fast sink error")
	}
	if h.source.plays != 0 {
		t.Fatalf("stream should not start when the announcement fails, plays=%d", h.source.plays)
	}
}

func TestCancelFlushesOpenWindow(t *testing.T) {
	h := newHarness(t,
		config.CycleConfig{WindowMS: int(time.Hour / time.Millisecond), AnnounceText: "ready"},
		config.SinkConfig{},
		[]audio.Chunk{tone(64)})
	h.source.played = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errs := make(chan error, 1)
	go func() { errs <- h.cycle.Run(ctx) }()

	select {
	case <-h.source.played:
	case <-time.After(2 * time.Second):
		t.Fatal("stream never started")
	}
	cancel()

	select {
	case err := <-errs:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cycle did not stop after cancellation")
	}
	if h.source.pauses != 1 {
		t.Fatalf("expected stream paused once, got %d", h.source.pauses)
	}
	if msgs := h.sink.snapshot(); len(msgs) != 2 {
		t.Fatalf("expected the open window to be flushed, got %+v", msgs)
	}
}

func TestCancelKeepsAudioDeliveredBeforePause(t *testing.T) {
	h := newHarness(t,
		config.CycleConfig{WindowMS: int(time.Hour / time.Millisecond), AnnounceText: "ready"},
		config.SinkConfig{},
		[]audio.Chunk{silence(64)})
	h.source.played = make(chan struct{}, 1)
	h.source.beforePause = []audio.Chunk{tone(64)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errs := make(chan error, 1)
	go func() { errs <- h.cycle.Run(ctx) }()

	select {
	case <-h.source.played:
	case <-time.After(2 * time.Second):
		t.Fatal("stream never started")
	}
	cancel()

	select {
	case err := <-errs:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cycle did not stop after cancellation")
	}
	if h.feeder.Dropped() != 0 {
		t.Fatalf("audio delivered after cancel was dropped: %d chunks", h.feeder.Dropped())
	}
	msgs := h.sink.snapshot()
	if len(msgs) != 2 || !strings.Contains(msgs[1].text, "voiced=64") {
		t.Fatalf("expected the in-flight chunk in the flushed window, got %+v", msgs)
	}
}

func TestOnStartedAfterAnnouncement(t *testing.T) {
	h := newHarness(t,
		config.CycleConfig{WindowMS: 5, AnnounceText: "ready", MaxWindows: 1},
		config.SinkConfig{})
	var sawAnnouncement bool
	h.cycle.OnStarted = func() {
		sawAnnouncement = len(h.sink.snapshot()) == 1
	}
	if err := h.cycle.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !sawAnnouncement {
		t.Fatal("OnStarted should fire after the announcement was sent")
	}
}

func TestFeederRejectsRateMismatch(t *testing.T) {
	session := stt.NewSession(stt.NewMockDecoder(8000), 8000, newLogger())
	feeder := NewFeeder(context.Background(), newLogger())
	if err := feeder.Bind(stereo, session); err == nil {
		t.Fatal("expected sample rate mismatch error")
	}
}

func TestFeederDropsBeforeBind(t *testing.T) {
	feeder := NewFeeder(context.Background(), newLogger())
	feeder.Handle(silence(16))
	if feeder.Dropped() != 1 {
		t.Fatalf("expected dropped chunk, got %d", feeder.Dropped())
	}
}

func TestFeederRejectsUnsupportedChannels(t *testing.T) {
	session := stt.NewSession(stt.NewMockDecoder(16000), 16000, newLogger())
	feeder := NewFeeder(context.Background(), newLogger())
	format := audio.Format{SampleFormat: audio.FormatF32, SampleRate: 16000, Channels: 6}
	if err := feeder.Bind(format, session); !errors.Is(err, audio.ErrUnsupportedChannels) {
		t.Fatalf("expected ErrUnsupportedChannels, got %v", err)
	}
}
