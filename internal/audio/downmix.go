package audio

import "fmt"

// Downmix folds interleaved PCM to mono. Mono input is returned unchanged.
// Stereo pairs (a, b) become a/2 + b/2; a trailing unpaired sample is dropped.
// Other layouts are rejected.
func Downmix(pcm []int16, channels int) ([]int16, error) {
	switch channels {
	case 1:
		return pcm, nil
	case 2:
		out := make([]int16, len(pcm)/2)
		for i := range out {
			out[i] = pcm[2*i]/2 + pcm[2*i+1]/2
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnsupportedChannels, channels)
}

// Converter turns chunks of one stream format into mono int16 PCM.
type Converter struct {
	format    Format
	normalize Normalizer
}

func NewConverter(format Format) (*Converter, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	normalize, err := NormalizerFor(format.SampleFormat)
	if err != nil {
		return nil, err
	}
	return &Converter{format: format, normalize: normalize}, nil
}

func (c *Converter) Format() Format { return c.format }

// Convert normalizes and downmixes one chunk.
func (c *Converter) Convert(chunk Chunk) ([]int16, error) {
	if chunk.Format != c.format {
		return nil, fmt.Errorf("chunk format %s does not match stream format %s", chunk.Format, c.format)
	}
	return Downmix(c.normalize(chunk), c.format.Channels)
}
