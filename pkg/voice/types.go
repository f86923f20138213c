package voice

import "encoding/json"

// Result types for error handling
type Result[T any] struct {
	Data    T
	Error   *VoiceError
	Success bool
}

func Ok[T any](data T) Result[T] {
	return Result[T]{Data: data, Success: true}
}

func Err[T any](err *VoiceError) Result[T] {
	return Result[T]{Error: err, Success: false}
}

// WSToken struct
type WSToken struct {
	Token     string
	ExpiresAt int64 // Unix timestamp in milliseconds
}

// Status is the session status exposed to consumers. It is always one of
// the five fixed values below; the wire-level signals "interrupted" and
// "generation_done" drive transitions but never appear as a Status.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusListening Status = "listening"
	StatusThinking  Status = "thinking"
	StatusSpeaking  Status = "speaking"
	StatusError     Status = "error"
)

// Transient server signals, consumed inside the controller only.
const (
	signalInterrupted    = "interrupted"
	signalGenerationDone = "generation_done"
)

// Role identifies which speaker a transcript belongs to.
type Role string

const (
	RoleNone      Role = ""
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Envelope is the typed JSON message exchanged over the voice socket.
// Inbound data stays raw until the handler for the type decodes it.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func newEnvelope(msgType string, data any) (*Envelope, error) {
	if data == nil {
		return &Envelope{Type: msgType, Data: json.RawMessage("{}")}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: msgType, Data: raw}, nil
}

// Client -> server message types.
const (
	msgStartSession = "start_session"
	msgAudioChunk   = "audio_chunk"
	msgInterrupt    = "interrupt"
	msgEndTurn      = "end_turn"
	msgCloseSession = "close_session"
)

// Server -> client message types.
const (
	msgStatus         = "status"
	msgTranscript     = "transcript"
	msgTurnEnd        = "turn_end"
	msgSessionStarted = "session_started"
	msgError          = "error"
)

// Profile carries user context sent with start_session. The backend uses it
// to personalize the advisory agent.
type Profile struct {
	Name           string `json:"name,omitempty"`
	Age            int    `json:"age,omitempty"`
	RetirementAge  int    `json:"retirementAge,omitempty"`
	PreferredVoice string `json:"preferred_voice,omitempty"`
}

type startSessionData struct {
	ConversationID string   `json:"conversationId,omitempty"`
	Profile        *Profile `json:"profile,omitempty"`
}

type audioChunkData struct {
	Audio     string `json:"audio"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type statusData struct {
	Status string `json:"status"`
}

type transcriptData struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"isFinal"`
	Role    Role   `json:"role,omitempty"`
}

type sessionStartedData struct {
	SessionID string `json:"sessionId"`
}

type errorData struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// TurnEnd is the payload of a turn_end message: both finalized transcripts
// plus the turn metadata the backend attaches.
type TurnEnd struct {
	TurnID              string `json:"turnId"`
	UserTranscript      string `json:"userTranscript"`
	AssistantTranscript string `json:"assistantTranscript"`
	DurationMs          int64  `json:"durationMs"`
}

// Handler types
type TranscriptHandler func(text string, isFinal bool, role Role)
type TurnEndHandler func(userTranscript, assistantTranscript string)
type TurnEndDetailHandler func(turn TurnEnd)
type ErrorHandler func(message string)
