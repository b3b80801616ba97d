package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/loqalabs/loqa-chatbox/internal/audio"
	"github.com/loqalabs/loqa-chatbox/internal/stt"
)

// Feeder is the capture delivery path: it normalizes and downmixes each chunk
// and hands it to the recognizer session. A capture source is built with
// Feeder.Handle before the stream format is known, so Bind must be called
// before the stream is played.
type Feeder struct {
	ctx     context.Context
	logger  *slog.Logger
	binding atomic.Pointer[binding]
	dropped atomic.Int64
}

type binding struct {
	conv    *audio.Converter
	session *stt.Session
}

func NewFeeder(ctx context.Context, logger *slog.Logger) *Feeder {
	return &Feeder{ctx: ctx, logger: logger.With(slog.String("component", "feeder"))}
}

// Bind fixes the stream format and the session that receives its audio.
func (f *Feeder) Bind(format audio.Format, session *stt.Session) error {
	if session.SampleRate() != format.SampleRate {
		return fmt.Errorf("recognizer bound to %dHz, stream delivers %dHz", session.SampleRate(), format.SampleRate)
	}
	conv, err := audio.NewConverter(format)
	if err != nil {
		return err
	}
	f.binding.Store(&binding{conv: conv, session: session})
	return nil
}

// Handle is a capture.Handler.
func (f *Feeder) Handle(chunk audio.Chunk) {
	b := f.binding.Load()
	if b == nil {
		f.dropped.Add(1)
		return
	}
	pcm, err := b.conv.Convert(chunk)
	if err != nil {
		f.logger.Warn("dropping chunk", slog.String("error", err.Error()))
		f.dropped.Add(1)
		return
	}
	if _, err := b.session.Accept(f.ctx, pcm); err != nil {
		if !errors.Is(err, stt.ErrSessionClosed) && !errors.Is(err, context.Canceled) {
			f.logger.Warn("recognizer rejected chunk", slog.String("error", err.Error()))
		}
		f.dropped.Add(1)
	}
}

// Dropped counts chunks that never reached the recognizer.
func (f *Feeder) Dropped() int64 { return f.dropped.Load() }
