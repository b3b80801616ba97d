// Package capture provides audio input streams. Streams are built paused with
// a Handler that receives every delivered chunk; Play and Pause resume and
// suspend delivery.
package capture

import (
	"github.com/loqalabs/loqa-chatbox/internal/audio"
)

// Handler receives one chunk per hardware buffer. It runs on the source's
// delivery goroutine and must not retain the chunk.
type Handler func(audio.Chunk)

// Source is a capture stream with a format fixed at open time.
type Source interface {
	Format() audio.Format
	// Play resumes delivery.
	Play() error
	// Pause stops future deliveries. A delivery already in flight may still complete.
	Pause() error
	Close() error
}
