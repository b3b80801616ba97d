package runtime

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hypebeast/go-osc/osc"

	"github.com/loqalabs/loqa-chatbox/internal/audio"
	"github.com/loqalabs/loqa-chatbox/internal/config"
	"github.com/loqalabs/loqa-chatbox/internal/eventstore"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeToneWAV(t *testing.T, rate int, duration time.Duration) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tone.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer f.Close()

	n := int(duration.Seconds() * float64(rate))
	data := make([]int, n)
	for i := range data {
		if (i/8)%2 == 0 {
			data[i] = 8000
		} else {
			data[i] = -8000
		}
	}
	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	if err := enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
	return path
}

func TestNewDecoderMock(t *testing.T) {
	dec, err := newDecoder(config.STTConfig{Mode: "mock"}, 16000)
	if err != nil {
		t.Fatalf("new decoder: %v", err)
	}
	defer dec.Close()
	dec.AcceptWaveform([]int16{4000, -4000})
	transcript, err := dec.FinalResult()
	if err != nil || transcript.Empty() {
		t.Fatalf("expected mock transcript, got %q (%v)", transcript.Text, err)
	}
}

func TestNewDecoderExecRequiresCommand(t *testing.T) {
	if _, err := newDecoder(config.STTConfig{Mode: "exec"}, 16000); err == nil {
		t.Fatal("expected error for empty exec command")
	}
}

func TestNewDecoderUnknownMode(t *testing.T) {
	if _, err := newDecoder(config.STTConfig{Mode: "kaldi"}, 16000); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestOpenSourceUnknownMode(t *testing.T) {
	if _, _, err := openSource(config.CaptureConfig{Mode: "alsa"}, func(audio.Chunk) {}, newLogger()); err == nil {
		t.Fatal("expected error for unknown capture mode")
	}
}

func TestReadyzReflectsCycleState(t *testing.T) {
	r := New(config.Default(), newLogger())

	rec := httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before start, got %d", rec.Code)
	}

	r.ready.Store(true)
	rec = httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 once started, got %d", rec.Code)
	}
}

func TestStartReplaysWAVToOSC(t *testing.T) {
	listener, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	cfg := config.Default()
	cfg.HTTP.Enabled = false
	cfg.Capture = config.CaptureConfig{
		Mode:            "wav",
		SampleFormat:    "i16",
		FramesPerBuffer: 256,
		WAVPath:         writeToneWAV(t, 16000, 400*time.Millisecond),
	}
	cfg.STT = config.STTConfig{Mode: "mock"}
	cfg.Cycle = config.CycleConfig{WindowMS: 200, AnnounceText: "STT Initialized", MaxWindows: 2}
	cfg.Sink.LocalAddr = "127.0.0.1:0"
	cfg.Sink.RemoteAddr = listener.LocalAddr().String()
	cfg.EventStore = config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "chatbox.db"),
		RetentionMode: "persistent",
		MaxRuns:       10,
	}

	r := New(cfg, newLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	_ = listener.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, _, err := listener.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	packet, err := osc.ParsePacket(string(buf[:n]))
	if err != nil {
		t.Fatalf("parse packet: %v", err)
	}
	msg, ok := packet.(*osc.Message)
	if !ok {
		t.Fatalf("expected message, got %T", packet)
	}
	if msg.Address != "/chatbox/input" || msg.Arguments[0] != "STT Initialized" {
		t.Fatalf("expected announcement first, got %s %v", msg.Address, msg.Arguments)
	}

	store, err := eventstore.Open(context.Background(), cfg.EventStore, newLogger())
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store.Close()
	records, err := store.ListRunTranscripts(context.Background(), r.RunID(), 10)
	if err != nil {
		t.Fatalf("list transcripts: %v", err)
	}
	if len(records) < 2 {
		t.Fatalf("expected announcement and at least one transcript journaled, got %+v", records)
	}
	if records[0].Text != "STT Initialized" {
		t.Fatalf("expected announcement journaled first, got %q", records[0].Text)
	}
	for _, rec := range records[1:] {
		if !strings.HasPrefix(rec.Text, "[mock transcript") {
			t.Fatalf("unexpected journaled text %q", rec.Text)
		}
	}
}
