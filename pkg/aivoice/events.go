// Package aivoice is a client for an OpenAI-realtime-shaped voice API: a
// WebSocket carrying JSON events with base64 audio payloads in both
// directions.
package aivoice

import "fmt"

// Server event types consumed by the bridge.
const (
	EventSessionCreated         = "session.created"
	EventSessionUpdated         = "session.updated"
	EventSpeechStarted          = "input_audio_buffer.speech_started"
	EventSpeechStopped          = "input_audio_buffer.speech_stopped"
	EventInputCommitted         = "input_audio_buffer.committed"
	EventInputTranscriptDone    = "conversation.item.input_audio_transcription.completed"
	EventResponseCreated        = "response.created"
	EventResponseAudioDelta     = "response.audio.delta"
	EventResponseAudioDone      = "response.audio.done"
	EventResponseTranscriptDone = "response.audio_transcript.done"
	EventResponseDone           = "response.done"
	EventError                  = "error"
)

// ServerEvent is the decoded envelope of one server message. Only the
// fields the bridge reads are mapped; everything else stays opaque.
type ServerEvent struct {
	Type       string      `json:"type"`
	EventID    string      `json:"event_id,omitempty"`
	ItemID     string      `json:"item_id,omitempty"`
	Delta      string      `json:"delta,omitempty"`
	Transcript string      `json:"transcript,omitempty"`
	Error      *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail is the payload of a server "error" event.
type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *ErrorDetail) String() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
}

// SessionConfig is the session.update payload negotiated after connect.
type SessionConfig struct {
	Modalities              []string             `json:"modalities"`
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *TranscriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection       `json:"turn_detection,omitempty"`
	Temperature             float64              `json:"temperature,omitempty"`
	MaxResponseOutputTokens int                  `json:"max_response_output_tokens,omitempty"`
}

// TranscriptionConfig enables server-side transcription of caller audio.
type TranscriptionConfig struct {
	Model string `json:"model"`
}

// TurnDetection configures server-side voice activity detection. The
// server owns turn-taking: it detects caller speech, commits the input
// buffer, and interrupts playback on barge-in.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// Client → server messages.

type sessionUpdateMsg struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

type audioAppendMsg struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type itemCreateMsg struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []itemContent `json:"content"`
}

type itemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseCreateMsg struct {
	Type string `json:"type"`
}
