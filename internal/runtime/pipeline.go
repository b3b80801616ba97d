package runtime

import (
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-chatbox/internal/audio"
	"github.com/loqalabs/loqa-chatbox/internal/capture"
	"github.com/loqalabs/loqa-chatbox/internal/capture/portaudio"
	"github.com/loqalabs/loqa-chatbox/internal/config"
	"github.com/loqalabs/loqa-chatbox/internal/stt"
	"github.com/loqalabs/loqa-chatbox/internal/stt/vosk"
	"github.com/loqalabs/loqa-chatbox/internal/stt/whisper"
)

// openSource builds the paused capture stream and reports the device it reads from.
func openSource(cfg config.CaptureConfig, handler capture.Handler, logger *slog.Logger) (capture.Source, string, error) {
	switch cfg.Mode {
	case "portaudio":
		stream, err := portaudio.Open(cfg, handler, logger)
		if err != nil {
			return nil, "", err
		}
		return stream, stream.DeviceName(), nil
	case "wav":
		format, err := audio.ParseSampleFormat(cfg.SampleFormat)
		if err != nil {
			return nil, "", err
		}
		src, err := capture.OpenWAV(capture.WAVOptions{
			Path:            cfg.WAVPath,
			SampleFormat:    format,
			FramesPerBuffer: cfg.FramesPerBuffer,
			Loop:            cfg.WAVLoop,
		}, handler, logger)
		if err != nil {
			return nil, "", err
		}
		return src, "wav:" + cfg.WAVPath, nil
	}
	return nil, "", fmt.Errorf("unsupported capture mode %q", cfg.Mode)
}

// newDecoder constructs the recognizer for the stream's sample rate.
func newDecoder(cfg config.STTConfig, sampleRate int) (stt.Decoder, error) {
	opts := stt.OptionsFromConfig(cfg, sampleRate)
	switch cfg.Mode {
	case "vosk":
		dec, err := vosk.New(opts)
		if err != nil {
			return nil, err
		}
		return dec, nil
	case "whisper":
		dec, err := whisper.New(opts)
		if err != nil {
			return nil, err
		}
		return dec, nil
	case "exec":
		return stt.NewExecDecoder(cfg.Command, opts)
	case "mock":
		return stt.NewMockDecoder(sampleRate), nil
	}
	return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
}
