package protocol

import "time"

// Transcript is a finalized capture window mirrored on the bus.
type Transcript struct {
	RunID     string    `json:"run_id"`
	Text      string    `json:"text"`
	Final     bool      `json:"final"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptFinal = "stt.text.final"

	// ChatboxInputAddress is the OSC address of the chat overlay input.
	ChatboxInputAddress = "/chatbox/input"
)

// Presence subjects. Heartbeats are published on SubjectHeartbeatPrefix + "." + run ID.
const (
	SubjectAnnounce        = "ctrl.chatbox.announce"
	SubjectHeartbeatPrefix = "ctrl.chatbox.heartbeat"
)

// Capability describes one thing a pipeline offers, e.g. speech-to-text in a language.
type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type Announce struct {
	RunID        string       `json:"run_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type Heartbeat struct {
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
}
