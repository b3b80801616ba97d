// Package audio holds the sample representations delivered by capture streams
// and the conversions that turn them into mono signed 16-bit PCM.
package audio

import (
	"errors"
	"fmt"
)

// SampleFormat identifies the sample representation of a capture stream.
type SampleFormat int

const (
	FormatUnknown SampleFormat = iota
	FormatF32
	FormatU16
	FormatI16
)

// ErrUnsupportedChannels is returned for channel layouts other than mono or stereo.
var ErrUnsupportedChannels = errors.New("unsupported channel count")

func (f SampleFormat) String() string {
	switch f {
	case FormatF32:
		return "f32"
	case FormatU16:
		return "u16"
	case FormatI16:
		return "i16"
	default:
		return "unknown"
	}
}

// ParseSampleFormat maps a config value (f32, u16, i16) to a SampleFormat.
func ParseSampleFormat(s string) (SampleFormat, error) {
	switch s {
	case "f32":
		return FormatF32, nil
	case "u16":
		return FormatU16, nil
	case "i16":
		return FormatI16, nil
	}
	return FormatUnknown, fmt.Errorf("unknown sample format %q", s)
}

// Format describes a capture stream. It is fixed for the lifetime of the stream.
type Format struct {
	SampleFormat SampleFormat
	SampleRate   int
	Channels     int
}

func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("%w: %d", ErrUnsupportedChannels, f.Channels)
	}
	if _, err := NormalizerFor(f.SampleFormat); err != nil {
		return err
	}
	return nil
}

func (f Format) String() string {
	return fmt.Sprintf("%s/%dHz/%dch", f.SampleFormat, f.SampleRate, f.Channels)
}

// Chunk is one delivery from a capture stream. Only the slice matching
// Format.SampleFormat is populated; samples are interleaved.
type Chunk struct {
	Format Format
	F32    []float32
	U16    []uint16
	I16    []int16
}

// Len returns the number of interleaved samples in the chunk.
func (c Chunk) Len() int {
	switch c.Format.SampleFormat {
	case FormatF32:
		return len(c.F32)
	case FormatU16:
		return len(c.U16)
	case FormatI16:
		return len(c.I16)
	}
	return 0
}
