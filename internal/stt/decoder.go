package stt

import (
	"github.com/loqalabs/loqa-chatbox/internal/config"
)

// DecodingState is the outcome of feeding one chunk to a decoder.
type DecodingState int

const (
	StateRunning DecodingState = iota
	StateFinalized
	StateFailed
)

func (s DecodingState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateFinalized:
		return "finalized"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Word carries word-level timing when the engine reports it.
type Word struct {
	Text       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"conf"`
}

// Transcript is the single best hypothesis for one capture window.
type Transcript struct {
	Text  string
	Words []Word
}

// Empty reports whether nothing was recognized.
func (t Transcript) Empty() bool {
	return t.Text == ""
}

// Decoder abstracts incremental STT engines. Implementations are not safe for
// concurrent use; Session serializes every call.
type Decoder interface {
	AcceptWaveform(pcm []int16) DecodingState
	// FinalResult closes the current utterance and resets the decoder.
	FinalResult() (Transcript, error)
	Close() error
}

// Options are fixed when a decoder is constructed.
type Options struct {
	SampleRate      int
	ModelPath       string
	Language        string
	MaxAlternatives int
	Words           bool
	PartialWords    bool
}

func OptionsFromConfig(cfg config.STTConfig, sampleRate int) Options {
	return Options{
		SampleRate:      sampleRate,
		ModelPath:       cfg.ModelPath,
		Language:        cfg.Language,
		MaxAlternatives: cfg.MaxAlternatives,
		Words:           cfg.Words,
		PartialWords:    cfg.PartialWords,
	}
}
