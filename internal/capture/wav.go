package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"

	"github.com/loqalabs/loqa-chatbox/internal/audio"
)

const defaultFramesPerBuffer = 1024

// WAVOptions configures a WAVSource.
type WAVOptions struct {
	Path string
	// SampleFormat is the representation chunks are delivered in.
	SampleFormat    audio.SampleFormat
	FramesPerBuffer int
	Loop            bool
}

// WAVSource replays a 16-bit PCM WAV file in real time, as if it were a
// microphone. Delivery stops at the end of the file unless Loop is set.
type WAVSource struct {
	format   audio.Format
	samples  []int16
	frame    int
	interval time.Duration
	loop     bool
	handler  Handler
	logger   *slog.Logger

	mu      sync.Mutex
	playing bool
	pos     int

	cancel context.CancelFunc
	done   chan struct{}
}

func OpenWAV(opts WAVOptions, handler Handler, logger *slog.Logger) (*WAVSource, error) {
	if handler == nil {
		return nil, errors.New("capture handler must not be nil")
	}
	f, err := os.Open(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid wav file", opts.Path)
	}
	if dec.BitDepth != 16 {
		return nil, fmt.Errorf("unsupported wav bit depth %d, want 16", dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}

	format := audio.Format{
		SampleFormat: opts.SampleFormat,
		SampleRate:   int(dec.SampleRate),
		Channels:     int(dec.NumChans),
	}
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("wav stream format %s: %w", format, err)
	}

	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(v)
	}

	frames := opts.FramesPerBuffer
	if frames <= 0 {
		frames = defaultFramesPerBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &WAVSource{
		format:   format,
		samples:  samples,
		frame:    frames * format.Channels,
		interval: time.Duration(frames) * time.Second / time.Duration(format.SampleRate),
		loop:     opts.Loop,
		handler:  handler,
		logger:   logger.With(slog.String("component", "wav-source")),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go s.run(ctx)

	s.logger.Info("wav capture opened",
		slog.String("path", opts.Path),
		slog.String("format", format.String()),
		slog.Duration("buffer", s.interval))
	return s, nil
}

func (s *WAVSource) Format() audio.Format { return s.format }

func (s *WAVSource) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = true
	return nil
}

// Pause blocks until any delivery in progress has returned.
func (s *WAVSource) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = false
	return nil
}

func (s *WAVSource) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *WAVSource) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.deliver()
		}
	}
}

func (s *WAVSource) deliver() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.playing {
		return
	}
	if s.pos >= len(s.samples) {
		if !s.loop || len(s.samples) == 0 {
			return
		}
		s.pos = 0
	}
	end := s.pos + s.frame
	if end > len(s.samples) {
		end = len(s.samples)
	}
	pcm := s.samples[s.pos:end]
	s.pos = end
	s.handler(s.chunk(pcm))
}

func (s *WAVSource) chunk(pcm []int16) audio.Chunk {
	c := audio.Chunk{Format: s.format}
	switch s.format.SampleFormat {
	case audio.FormatF32:
		c.F32 = audio.I16ToF32(pcm)
	case audio.FormatU16:
		c.U16 = audio.I16ToU16(pcm)
	default:
		c.I16 = append([]int16(nil), pcm...)
	}
	return c
}

var _ Source = (*WAVSource)(nil)
