package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"
)

const execTimeout = 45 * time.Second

// execDecoder buffers a window of audio and hands it to an external command
// as a WAV file when the window is finalized.
type execDecoder struct {
	cmd  []string
	opts Options
	pcm  []int16
}

type execResult struct {
	Text  string `json:"text"`
	Words []Word `json:"result,omitempty"`
}

func NewExecDecoder(command string, opts Options) (Decoder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	if opts.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", opts.SampleRate)
	}
	return &execDecoder{cmd: args, opts: opts}, nil
}

func (d *execDecoder) AcceptWaveform(pcm []int16) DecodingState {
	d.pcm = append(d.pcm, pcm...)
	return StateRunning
}

func (d *execDecoder) FinalResult() (Transcript, error) {
	pcm := d.pcm
	d.pcm = nil
	if len(pcm) == 0 {
		return Transcript{}, nil
	}

	file, err := os.CreateTemp(os.TempDir(), "loqa_chatbox_*.wav")
	if err != nil {
		return Transcript{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, d.opts.SampleRate); err != nil {
		return Transcript{}, err
	}

	base := d.cmd[0]
	cmdArgs := append([]string{}, d.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if d.opts.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", d.opts.ModelPath)
	}
	if d.opts.Language != "" {
		cmdArgs = append(cmdArgs, "--language", d.opts.Language)
	}

	ctx, cancel := context.WithTimeout(context.Background(), execTimeout)
	defer cancel()

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Transcript{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Transcript{}, fmt.Errorf("decode stt response: %w", err)
	}
	return Transcript{Text: strings.TrimSpace(resp.Text), Words: resp.Words}, nil
}

func (d *execDecoder) Close() error {
	d.pcm = nil
	return nil
}

func writePCMToWav(file *os.File, pcm []int16, sampleRate int) error {
	samples := make([]int, len(pcm))
	for i, s := range pcm {
		samples[i] = int(s)
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}

	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
