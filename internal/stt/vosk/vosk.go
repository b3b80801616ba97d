// Package vosk adapts the Vosk incremental recognizer to stt.Decoder.
package vosk

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	vosk "github.com/alphacep/vosk-api/go"

	"github.com/loqalabs/loqa-chatbox/internal/stt"
)

type Decoder struct {
	model *vosk.VoskModel
	rec   *vosk.VoskRecognizer
	buf   []byte
}

type finalResult struct {
	Text   string     `json:"text"`
	Result []stt.Word `json:"result"`
}

// New loads the model at opts.ModelPath and builds a recognizer for
// opts.SampleRate. Alternatives and word timing are fixed here.
func New(opts stt.Options) (*Decoder, error) {
	if opts.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", opts.SampleRate)
	}
	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, fmt.Errorf("vosk model: %w", err)
	}
	vosk.SetLogLevel(-1)

	model, err := vosk.NewModel(opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load vosk model %q: %w", opts.ModelPath, err)
	}
	rec, err := vosk.NewRecognizer(model, float64(opts.SampleRate))
	if err != nil {
		model.Free()
		return nil, fmt.Errorf("create vosk recognizer: %w", err)
	}
	rec.SetMaxAlternatives(opts.MaxAlternatives)
	rec.SetWords(boolToInt(opts.Words))
	rec.SetPartialWords(boolToInt(opts.PartialWords))

	return &Decoder{model: model, rec: rec}, nil
}

func (d *Decoder) AcceptWaveform(pcm []int16) stt.DecodingState {
	d.buf = d.buf[:0]
	for _, s := range pcm {
		d.buf = binary.LittleEndian.AppendUint16(d.buf, uint16(s))
	}
	switch d.rec.AcceptWaveform(d.buf) {
	case 1:
		return stt.StateFinalized
	case 0:
		return stt.StateRunning
	default:
		return stt.StateFailed
	}
}

func (d *Decoder) FinalResult() (stt.Transcript, error) {
	var res finalResult
	if err := json.Unmarshal(d.rec.FinalResult(), &res); err != nil {
		return stt.Transcript{}, fmt.Errorf("decode vosk result: %w", err)
	}
	return stt.Transcript{Text: strings.TrimSpace(res.Text), Words: res.Result}, nil
}

func (d *Decoder) Close() error {
	if d.rec != nil {
		d.rec.Free()
		d.rec = nil
	}
	if d.model != nil {
		d.model.Free()
		d.model = nil
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
