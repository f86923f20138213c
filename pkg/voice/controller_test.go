package voice

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// newTestController wires a controller with a live playback queue but no
// audio hardware or transport, enough to drive the state machine directly.
func newTestController() *Controller {
	c := NewController(NewConfig())
	c.queue = NewPlaybackQueue(DefaultSampleRate, c.handleDrained)
	c.connected = true
	c.status = StatusListening
	return c
}

func TestGenerationDoneDefersUntilDrained(t *testing.T) {
	c := newTestController()
	c.status = StatusSpeaking
	c.queue.AddBuffer(frameOf(100, 0.2))

	c.applyServerStatus(signalGenerationDone)

	if got := c.Status(); got != StatusSpeaking {
		t.Fatalf("Status flipped to %s while audio still buffered", got)
	}

	// Drain the schedule; the deferred transition lands with the last
	// rendered sample.
	c.queue.render(make([]float32, 128))
	if got := c.Status(); got != StatusListening {
		t.Fatalf("Status %s after drain, want listening", got)
	}
}

func TestGenerationDoneImmediateWhenQueueEmpty(t *testing.T) {
	c := newTestController()
	c.status = StatusSpeaking

	c.applyServerStatus(signalGenerationDone)

	if got := c.Status(); got != StatusListening {
		t.Fatalf("Status %s, want listening", got)
	}
}

func TestSpeakingSupersedesPendingTransition(t *testing.T) {
	c := newTestController()
	c.status = StatusSpeaking
	c.queue.AddBuffer(frameOf(100, 0.2))
	c.applyServerStatus(signalGenerationDone)

	// A new turn starts before the old one drains.
	c.applyServerStatus(string(StatusSpeaking))

	if got := c.Status(); got != StatusSpeaking {
		t.Fatalf("Status %s, want speaking", got)
	}

	// The old turn's drain must not drag the session back to listening.
	c.queue.render(make([]float32, 128))
	if got := c.Status(); got != StatusSpeaking {
		t.Fatalf("Stale drain flipped status to %s", got)
	}
}

func TestInterruptedOverridesPendingAndClearsQueue(t *testing.T) {
	c := newTestController()
	c.status = StatusSpeaking
	c.queue.AddBuffer(frameOf(500, 0.4))
	c.applyServerStatus(signalGenerationDone)

	c.applyServerStatus(signalInterrupted)

	if got := c.Status(); got != StatusListening {
		t.Fatalf("Status %s, want listening", got)
	}
	if c.queue.IsPlaying() {
		t.Error("Interrupt left audio scheduled")
	}

	// Nothing pending survives: later renders change nothing.
	c.status = StatusThinking
	c.queue.render(make([]float32, 128))
	if got := c.Status(); got != StatusThinking {
		t.Fatalf("Disarmed drain still applied, status %s", got)
	}
}

func TestNonSpeakingStatusDiscardedWhilePending(t *testing.T) {
	c := newTestController()
	c.status = StatusSpeaking
	c.queue.AddBuffer(frameOf(100, 0.2))
	c.applyServerStatus(signalGenerationDone)

	c.applyServerStatus(string(StatusThinking))

	if got := c.Status(); got != StatusSpeaking {
		t.Fatalf("Discardable status applied, got %s", got)
	}

	// The deferred listening transition still lands afterwards.
	c.queue.render(make([]float32, 128))
	if got := c.Status(); got != StatusListening {
		t.Fatalf("Status %s after drain, want listening", got)
	}
}

func TestUnknownStatusIgnored(t *testing.T) {
	c := newTestController()
	c.applyServerStatus("warming_up")
	if got := c.Status(); got != StatusListening {
		t.Fatalf("Unknown status changed state to %s", got)
	}
}

func TestErrorSurfacedExactlyOnce(t *testing.T) {
	c := newTestController()
	calls := 0
	c.OnError = func(message string) {
		calls++
		if message != "backend failure" {
			t.Errorf("OnError got %q", message)
		}
	}

	c.enterError("backend failure", ErrCodeSessionError)
	c.enterError("backend failure", ErrCodeSessionError)

	if calls != 1 {
		t.Fatalf("OnError fired %d times, want 1", calls)
	}
	if got := c.Status(); got != StatusError {
		t.Fatalf("Status %s, want error", got)
	}
	if c.ErrorMessage() != "backend failure" {
		t.Errorf("ErrorMessage = %q", c.ErrorMessage())
	}
	if c.ErrorCode() != ErrCodeSessionError {
		t.Errorf("ErrorCode = %q", c.ErrorCode())
	}
}

func TestErrorEnvelopeRecordsCode(t *testing.T) {
	c := newTestController()
	c.handleEnvelope(&Envelope{Type: msgError, Data: json.RawMessage(`{"message":"rate limited","code":"RATE_LIMITED"}`)})

	if got := c.Status(); got != StatusError {
		t.Fatalf("Status %s, want error", got)
	}
	if c.ErrorCode() != "RATE_LIMITED" {
		t.Errorf("ErrorCode = %q", c.ErrorCode())
	}

	// A codeless error envelope falls back to the generic session code.
	c2 := newTestController()
	c2.handleEnvelope(&Envelope{Type: msgError, Data: json.RawMessage(`{"message":"backend failure"}`)})
	if c2.ErrorCode() != ErrCodeSessionError {
		t.Errorf("ErrorCode = %q, want %s", c2.ErrorCode(), ErrCodeSessionError)
	}
}

func TestFinalTranscriptClearsInterimFirst(t *testing.T) {
	c := newTestController()
	c.interimText = "how are y"
	c.interimRole = RoleUser

	var sawInterim string
	c.OnTranscript = func(text string, isFinal bool, role Role) {
		if isFinal {
			// Observed at callback time: the partial bubble is already
			// gone.
			sawInterim = c.InterimTranscript()
		}
	}

	c.handleTranscript(transcriptData{Text: "how are you", IsFinal: true, Role: RoleUser})

	if sawInterim != "" {
		t.Errorf("Interim %q still visible when final delivered", sawInterim)
	}
	if c.InterimTranscript() != "" || c.InterimRole() != RoleNone {
		t.Error("Interim state not cleared after final")
	}
}

func TestNoPartialDeliveredAfterFinal(t *testing.T) {
	c := newTestController()

	type observation struct {
		text    string
		isFinal bool
	}
	var mu sync.Mutex
	var seen []observation
	c.OnTranscript = func(text string, isFinal bool, role Role) {
		mu.Lock()
		seen = append(seen, observation{text, isFinal})
		mu.Unlock()
	}

	// Arm the throttle with a partial, then finalize while its flush timer
	// is live. Whatever the interleaving, the partial must never surface
	// after the final.
	c.handleTranscript(transcriptData{Text: "how are y", IsFinal: false, Role: RoleUser})
	c.handleTranscript(transcriptData{Text: "how are you", IsFinal: true, Role: RoleUser})

	time.Sleep(3 * interimFlushInterval)

	mu.Lock()
	defer mu.Unlock()
	finalAt := -1
	for i, o := range seen {
		if o.isFinal {
			finalAt = i
		}
	}
	if finalAt == -1 {
		t.Fatal("Final transcript never delivered")
	}
	for _, o := range seen[finalAt+1:] {
		if !o.isFinal {
			t.Fatalf("Partial %q delivered after the final", o.text)
		}
	}
	if got := c.InterimTranscript(); got != "" {
		t.Fatalf("InterimTranscript = %q after final", got)
	}
}

func TestPartialTranscriptThrottledIntoInterim(t *testing.T) {
	c := newTestController()

	c.handleTranscript(transcriptData{Text: "hel", IsFinal: false, Role: RoleAssistant})
	c.handleTranscript(transcriptData{Text: "hello", IsFinal: false, Role: RoleAssistant})

	// Deltas are buffered until the flush interval; drive the flush
	// directly instead of sleeping.
	c.throttle.fire()

	if got := c.InterimTranscript(); got != "hello" {
		t.Fatalf("InterimTranscript = %q, want latest delta", got)
	}
	if got := c.InterimRole(); got != RoleAssistant {
		t.Fatalf("InterimRole = %s", got)
	}
}

func TestTranscriptRoleDefaultsToAssistant(t *testing.T) {
	c := newTestController()
	var gotRole Role
	c.OnTranscript = func(text string, isFinal bool, role Role) { gotRole = role }

	c.handleTranscript(transcriptData{Text: "done", IsFinal: true})

	if gotRole != RoleAssistant {
		t.Fatalf("Role = %s, want assistant", gotRole)
	}
}

func TestEnteringIdleClearsInterim(t *testing.T) {
	c := newTestController()
	c.interimText = "partial"
	c.interimRole = RoleUser

	c.applyServerStatus(string(StatusIdle))

	if c.InterimTranscript() != "" || c.InterimRole() != RoleNone {
		t.Error("Idle transition left interim state")
	}
}

func TestTurnEndRecordedAndDispatched(t *testing.T) {
	c := newTestController()

	var gotUser, gotAssistant string
	var gotDetail TurnEnd
	c.OnTurnEnd = func(user, assistant string) { gotUser, gotAssistant = user, assistant }
	c.OnTurnEndDetail = func(turn TurnEnd) { gotDetail = turn }

	c.handleTurnEnd(TurnEnd{
		TurnID:              "turn-1",
		UserTranscript:      "what about bonds",
		AssistantTranscript: "bonds offer stability",
		DurationMs:          3200,
	})

	if gotUser != "what about bonds" || gotAssistant != "bonds offer stability" {
		t.Errorf("OnTurnEnd got (%q, %q)", gotUser, gotAssistant)
	}
	if gotDetail.TurnID != "turn-1" || gotDetail.DurationMs != 3200 {
		t.Errorf("OnTurnEndDetail got %+v", gotDetail)
	}
	if c.History().Len() != 1 {
		t.Errorf("History has %d turns, want 1", c.History().Len())
	}
	if c.Stats().Snapshot().Turns != 1 {
		t.Error("Turn not counted in stats")
	}
}

func TestHandleEnvelopeDispatch(t *testing.T) {
	c := newTestController()

	env := &Envelope{Type: msgStatus, Data: json.RawMessage(`{"status":"thinking"}`)}
	c.handleEnvelope(env)
	if got := c.Status(); got != StatusThinking {
		t.Fatalf("Status %s after status envelope, want thinking", got)
	}

	c.handleEnvelope(&Envelope{Type: msgSessionStarted, Data: json.RawMessage(`{"sessionId":"sess-9"}`)})
	if c.SessionID() != "sess-9" {
		t.Errorf("SessionID = %q", c.SessionID())
	}

	// Malformed payloads and unknown types are skipped, not fatal.
	c.handleEnvelope(&Envelope{Type: msgStatus, Data: json.RawMessage(`{bad`)})
	c.handleEnvelope(&Envelope{Type: "audio_level", Data: json.RawMessage(`{"level":0.4}`)})
	if got := c.Status(); got != StatusThinking {
		t.Fatalf("Garbage envelopes changed status to %s", got)
	}
}

func TestHandleAudioChunkSchedulesPlayback(t *testing.T) {
	c := newTestController()
	c.status = StatusSpeaking

	encoded := EncodeFrame(frameOf(240, 0.3))
	payload, _ := json.Marshal(audioChunkData{Audio: encoded})
	c.handleEnvelope(&Envelope{Type: msgAudioChunk, Data: payload})

	if !c.queue.IsPlaying() {
		t.Fatal("Audio chunk not scheduled")
	}
	if c.Stats().Snapshot().ChunksReceived != 1 {
		t.Error("Chunk not counted in stats")
	}
}

func TestStartSessionRejectedWhileActive(t *testing.T) {
	c := newTestController()
	c.status = StatusListening

	err := c.StartSession(context.Background(), nil)
	if err == nil {
		t.Fatal("Expected error starting over an active session")
	}
	if !IsErrorCode(err, ErrCodeSessionActive) {
		t.Errorf("Got %v, want %s", err, ErrCodeSessionActive)
	}
}

func TestStartSessionRejectedWhileStarting(t *testing.T) {
	c := NewController(NewConfig())
	c.mu.Lock()
	c.starting = true
	c.mu.Unlock()

	// A second start racing the first must bounce off the gate before it
	// can acquire any device or socket of its own.
	err := c.StartSession(context.Background(), nil)
	if !IsErrorCode(err, ErrCodeSessionActive) {
		t.Fatalf("Got %v, want %s", err, ErrCodeSessionActive)
	}
	if got := c.Status(); got != StatusIdle {
		t.Fatalf("Loser start changed status to %s", got)
	}
}

func TestEndTurnRequiresSession(t *testing.T) {
	c := NewController(NewConfig())
	err := c.EndTurn()
	if !IsErrorCode(err, ErrCodeNotConnected) {
		t.Errorf("Got %v, want %s", err, ErrCodeNotConnected)
	}
}

func TestInterruptWithoutSessionIsNoop(t *testing.T) {
	c := NewController(NewConfig())
	if err := c.Interrupt(); err != nil {
		t.Fatalf("Interrupt on idle controller: %v", err)
	}
	if got := c.Status(); got != StatusIdle {
		t.Fatalf("Status %s, want idle", got)
	}
}
