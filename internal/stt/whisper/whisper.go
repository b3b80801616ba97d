// Package whisper adapts whisper.cpp to stt.Decoder. Whisper is not
// incremental: accepted audio is buffered and processed when the window is
// finalized.
package whisper

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/loqalabs/loqa-chatbox/internal/audio"
	"github.com/loqalabs/loqa-chatbox/internal/stt"
)

// ErrSampleRate is returned when the capture rate is not what whisper expects.
var ErrSampleRate = errors.New("whisper requires 16kHz input")

type Decoder struct {
	model    whisper.Model
	language string
	pcm      []int16
}

func New(opts stt.Options) (*Decoder, error) {
	if opts.SampleRate != whisper.SampleRate {
		return nil, fmt.Errorf("%w: got %dHz", ErrSampleRate, opts.SampleRate)
	}
	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, fmt.Errorf("whisper model: %w", err)
	}
	model, err := whisper.New(opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load whisper model %q: %w", opts.ModelPath, err)
	}
	return &Decoder{model: model, language: opts.Language}, nil
}

func (d *Decoder) AcceptWaveform(pcm []int16) stt.DecodingState {
	d.pcm = append(d.pcm, pcm...)
	return stt.StateRunning
}

func (d *Decoder) FinalResult() (stt.Transcript, error) {
	pcm := d.pcm
	d.pcm = nil
	if len(pcm) == 0 {
		return stt.Transcript{}, nil
	}

	ctx, err := d.model.NewContext()
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper context: %w", err)
	}
	if d.language != "" {
		if err := ctx.SetLanguage(d.language); err != nil {
			return stt.Transcript{}, fmt.Errorf("whisper language %q: %w", d.language, err)
		}
	}
	ctx.SetTokenTimestamps(true)
	if err := ctx.Process(audio.I16ToF32(pcm), nil, nil, nil); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper process: %w", err)
	}

	var (
		segments []string
		words    []stt.Word
	)
	for {
		seg, err := ctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stt.Transcript{}, fmt.Errorf("whisper segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		segments = append(segments, text)
		words = append(words, tokenWords(seg.Tokens)...)
	}
	return stt.Transcript{Text: strings.Join(segments, " "), Words: words}, nil
}

// tokenWords joins sub-word tokens into words. A token starting with a space
// opens a new word; control tokens such as [_BEG_] or <|en|> are skipped.
// Confidence is the lowest token probability in the word.
func tokenWords(tokens []whisper.Token) []stt.Word {
	var (
		words []stt.Word
		cur   *stt.Word
	)
	for _, tok := range tokens {
		if isControlToken(tok.Text) {
			continue
		}
		piece := strings.TrimSpace(tok.Text)
		if piece == "" {
			continue
		}
		if cur == nil || strings.HasPrefix(tok.Text, " ") {
			words = append(words, stt.Word{
				Text:       piece,
				Start:      tok.Start.Seconds(),
				End:        tok.End.Seconds(),
				Confidence: float64(tok.P),
			})
			cur = &words[len(words)-1]
			continue
		}
		cur.Text += piece
		cur.End = tok.End.Seconds()
		cur.Confidence = min(cur.Confidence, float64(tok.P))
	}
	return words
}

func isControlToken(text string) bool {
	return (strings.HasPrefix(text, "[_") && strings.HasSuffix(text, "]")) ||
		(strings.HasPrefix(text, "<|") && strings.HasSuffix(text, "|>"))
}

func (d *Decoder) Close() error {
	d.pcm = nil
	if d.model == nil {
		return nil
	}
	err := d.model.Close()
	d.model = nil
	return err
}
