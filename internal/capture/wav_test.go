package capture

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/loqalabs/loqa-chatbox/internal/audio"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeWAV(t *testing.T, samples []int, rate, channels, depth int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer f.Close()
	enc := wav.NewEncoder(f, rate, depth, channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: rate},
		Data:           samples,
		SourceBitDepth: depth,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
	return path
}

type collector struct {
	mu     sync.Mutex
	chunks []audio.Chunk
}

func (c *collector) handle(chunk audio.Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, chunk)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWAVSourceDeliversWhilePlaying(t *testing.T) {
	samples := make([]int, 800)
	for i := range samples {
		samples[i] = i
	}
	path := writeWAV(t, samples, 16000, 2, 16)

	var c collector
	src, err := OpenWAV(WAVOptions{Path: path, SampleFormat: audio.FormatI16, FramesPerBuffer: 100}, c.handle, newLogger())
	if err != nil {
		t.Fatalf("open wav: %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })

	want := audio.Format{SampleFormat: audio.FormatI16, SampleRate: 16000, Channels: 2}
	if src.Format() != want {
		t.Fatalf("expected format %s, got %s", want, src.Format())
	}

	time.Sleep(30 * time.Millisecond)
	if c.count() != 0 {
		t.Fatalf("paused source delivered %d chunks", c.count())
	}

	if err := src.Play(); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitFor(t, func() bool { return c.count() >= 4 })
	if err := src.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.chunks) != 4 {
		t.Fatalf("expected exactly 4 chunks for a 4 buffer file, got %d", len(c.chunks))
	}
	for i, chunk := range c.chunks {
		if chunk.Len() != 200 {
			t.Fatalf("chunk %d: expected 200 interleaved samples, got %d", i, chunk.Len())
		}
		if chunk.I16[0] != int16(i*200) {
			t.Fatalf("chunk %d starts at %d", i, chunk.I16[0])
		}
	}
}

func TestWAVSourcePauseStopsDelivery(t *testing.T) {
	path := writeWAV(t, make([]int, 16000), 16000, 1, 16)

	var c collector
	src, err := OpenWAV(WAVOptions{Path: path, SampleFormat: audio.FormatF32, FramesPerBuffer: 80, Loop: true}, c.handle, newLogger())
	if err != nil {
		t.Fatalf("open wav: %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })

	_ = src.Play()
	waitFor(t, func() bool { return c.count() >= 2 })
	_ = src.Pause()
	paused := c.count()
	time.Sleep(40 * time.Millisecond)
	if got := c.count(); got != paused {
		t.Fatalf("delivered %d chunks after pause", got-paused)
	}

	c.mu.Lock()
	first := c.chunks[0]
	c.mu.Unlock()
	if first.F32 == nil || first.I16 != nil {
		t.Fatal("expected float32 chunks")
	}
}

func TestOpenWAVRejects8Bit(t *testing.T) {
	path := writeWAV(t, []int{1, 2, 3, 4}, 8000, 1, 8)
	if _, err := OpenWAV(WAVOptions{Path: path, SampleFormat: audio.FormatI16}, func(audio.Chunk) {}, newLogger()); err == nil {
		t.Fatal("expected error for 8-bit wav")
	}
}

func TestOpenWAVRejectsSurround(t *testing.T) {
	path := writeWAV(t, make([]int, 60), 48000, 6, 16)
	if _, err := OpenWAV(WAVOptions{Path: path, SampleFormat: audio.FormatI16}, func(audio.Chunk) {}, newLogger()); err == nil {
		t.Fatal("expected error for 6 channel wav")
	}
}
