package stt

import "fmt"

// silenceThreshold is the absolute amplitude below which mock audio counts as silence.
const silenceThreshold = 512

type mockDecoder struct {
	sampleRate int
	total      int
	voiced     int
}

// NewMockDecoder returns a decoder that "recognizes" any window containing
// non-silent audio. It never fails.
func NewMockDecoder(sampleRate int) Decoder {
	return &mockDecoder{sampleRate: sampleRate}
}

func (m *mockDecoder) AcceptWaveform(pcm []int16) DecodingState {
	for _, s := range pcm {
		if s > silenceThreshold || s < -silenceThreshold {
			m.voiced++
		}
	}
	m.total += len(pcm)
	return StateRunning
}

func (m *mockDecoder) FinalResult() (Transcript, error) {
	defer func() {
		m.total = 0
		m.voiced = 0
	}()
	if m.voiced == 0 {
		return Transcript{}, nil
	}
	var ms int
	if m.sampleRate > 0 {
		ms = m.total * 1000 / m.sampleRate
	}
	return Transcript{Text: fmt.Sprintf("[mock transcript voiced=%d duration=%dms]", m.voiced, ms)}, nil
}

func (m *mockDecoder) Close() error { return nil }
