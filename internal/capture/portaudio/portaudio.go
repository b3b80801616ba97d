// Package portaudio captures microphone input through PortAudio.
package portaudio

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gordonklaus/portaudio"

	"github.com/loqalabs/loqa-chatbox/internal/audio"
	"github.com/loqalabs/loqa-chatbox/internal/capture"
	"github.com/loqalabs/loqa-chatbox/internal/config"
)

const maxChannels = 2

// Stream is a paused-at-open PortAudio input stream.
type Stream struct {
	stream *portaudio.Stream
	device *portaudio.DeviceInfo
	format audio.Format
	logger *slog.Logger
}

// Open initializes PortAudio, resolves the input device and format from cfg
// (falling back to device defaults), and builds a stream that delivers to
// handler once started.
func Open(cfg config.CaptureConfig, handler capture.Handler, logger *slog.Logger) (*Stream, error) {
	if handler == nil {
		return nil, errors.New("capture handler must not be nil")
	}
	logger = logger.With(slog.String("component", "portaudio"))

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init failed: %w", err)
	}
	s, err := open(cfg, handler, logger)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}
	return s, nil
}

func open(cfg config.CaptureConfig, handler capture.Handler, logger *slog.Logger) (*Stream, error) {
	device, err := inputDevice(cfg.Device)
	if err != nil {
		return nil, err
	}
	if device.MaxInputChannels < 1 {
		return nil, fmt.Errorf("device %q has no input channels", device.Name)
	}

	sampleFormat, err := audio.ParseSampleFormat(cfg.SampleFormat)
	if err != nil {
		return nil, err
	}

	channels := cfg.Channels
	if channels == 0 {
		channels = min(device.MaxInputChannels, maxChannels)
	}
	if channels > device.MaxInputChannels {
		return nil, fmt.Errorf("device %q supports %d input channels, %d requested", device.Name, device.MaxInputChannels, channels)
	}
	sampleRate := cfg.SampleRate
	if sampleRate == 0 {
		sampleRate = int(device.DefaultSampleRate)
	}

	format := audio.Format{SampleFormat: sampleFormat, SampleRate: sampleRate, Channels: channels}
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("input config %s: %w", format, err)
	}

	params := portaudio.HighLatencyParameters(device, nil)
	params.Input.Channels = channels
	params.SampleRate = float64(sampleRate)
	if cfg.FramesPerBuffer > 0 {
		params.FramesPerBuffer = cfg.FramesPerBuffer
	}

	var callback interface{}
	switch sampleFormat {
	case audio.FormatF32:
		callback = func(in []float32) {
			handler(audio.Chunk{Format: format, F32: in})
		}
	case audio.FormatI16:
		callback = func(in []int16) {
			handler(audio.Chunk{Format: format, I16: in})
		}
	default:
		return nil, fmt.Errorf("sample format %s is not supported by portaudio", sampleFormat)
	}

	stream, err := portaudio.OpenStream(params, callback)
	if err != nil {
		return nil, fmt.Errorf("open stream failed: %w", err)
	}

	logger.Info("portaudio capture opened",
		slog.String("device", device.Name),
		slog.String("format", format.String()))

	return &Stream{stream: stream, device: device, format: format, logger: logger}, nil
}

func inputDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("no default input device: %w", err)
		}
		return device, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	for _, d := range devices {
		if d.Name == name && d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("input device %q not found", name)
}

func (s *Stream) Format() audio.Format { return s.format }

// DeviceName is the name of the opened input device.
func (s *Stream) DeviceName() string { return s.device.Name }

func (s *Stream) Play() error {
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("start stream failed: %w", err)
	}
	return nil
}

// Pause stops the stream; PortAudio returns once pending buffers have been delivered.
func (s *Stream) Pause() error {
	if err := s.stream.Stop(); err != nil {
		return fmt.Errorf("stop stream failed: %w", err)
	}
	return nil
}

func (s *Stream) Close() error {
	err := s.stream.Close()
	if terr := portaudio.Terminate(); terr != nil {
		err = errors.Join(err, terr)
	}
	return err
}

var _ capture.Source = (*Stream)(nil)
