package voice

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SessionOptions carries per-session context for start_session.
type SessionOptions struct {
	ConversationID string
	Profile        *Profile
}

// Controller owns the live voice session: it wires capture -> encode ->
// send and receive -> decode -> playback, runs the turn-taking state
// machine, and throttles partial transcript updates. All state transitions
// happen here; the capture pipeline and playback queue never see session
// state.
type Controller struct {
	config *Config
	log    *Logger

	// Injected callbacks. Set before StartSession; invoked without the
	// controller lock held.
	OnTranscript    TranscriptHandler
	OnTurnEnd       TurnEndHandler
	OnTurnEndDetail TurnEndDetailHandler
	OnError         ErrorHandler

	throttle *interimThrottle
	history  *TurnHistory
	tokens   *TokenManager

	// Shared loudness cell: written per frame by the capture path, polled
	// by renderers. Never routed through callbacks to avoid update storms.
	loudnessBits atomic.Uint64

	mu             sync.Mutex
	status         Status
	pending        *Status
	connected      bool
	starting       bool
	ending         bool
	errored        bool
	errMsg         string
	errCode        string
	sessionID      string
	conversationID string
	interimText    string
	interimRole    Role
	device         *inputDevice
	pipeline       *capturePipeline
	queue          *PlaybackQueue
	channel        *Channel
	stats          *SessionStats
}

func NewController(config *Config) *Controller {
	if config == nil {
		config = NewConfig()
	}

	c := &Controller{
		config:  config,
		log:     GetGlobalLogger().WithComponent("session"),
		history: NewTurnHistory(),
		status:  StatusIdle,
		stats:   NewSessionStats(),
	}
	c.throttle = newInterimThrottle(c.flushInterim)

	if config.TokenEndpoint != "" {
		c.tokens = NewTokenManager(config.TokenEndpoint, config.Headers)
	}

	return c
}

// StartSession acquires the microphone, opens playback, connects the
// transport, and moves the session to listening. Environment and
// permission failures leave the session in the error state; a transport
// connect failure leaves it idle. Either way the caller restarts
// explicitly.
func (c *Controller) StartSession(ctx context.Context, opts *SessionOptions) error {
	c.mu.Lock()
	if c.starting || (c.status != StatusIdle && c.status != StatusError) {
		c.mu.Unlock()
		return NewVoiceError("session already active", ErrCodeSessionActive)
	}
	// Hold the gate until resources are committed or released, so two
	// concurrent starts can never each open a mic and playback context.
	c.starting = true
	c.errored = false
	c.errMsg = ""
	c.errCode = ""
	c.mu.Unlock()

	conversationID := ""
	var profile *Profile
	if opts != nil {
		conversationID = opts.ConversationID
		profile = opts.Profile
	}
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	token, verr := c.sessionToken(conversationID)
	if verr != nil {
		return c.failStart(verr)
	}

	device, err := acquireInputDevice(c.config)
	if err != nil {
		return c.failStart(asVoiceError(err))
	}

	queue := NewPlaybackQueue(DefaultSampleRate, c.handleDrained)
	if err := queue.Resume(); err != nil {
		// Resume may have taken the host reference before failing; Close
		// drops it along with any opened stream.
		queue.Close()
		device.release()
		return c.failStart(asVoiceError(err))
	}

	channel, err := dialSession(ctx, c.config, token)
	if err != nil {
		queue.Close()
		device.release()
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
		// Transport failures end the attempt without entering the error
		// state: the session never existed, status stays idle.
		verr := asVoiceError(err)
		c.surfaceError(verr)
		return verr
	}

	pipeline, err := newCapturePipeline(device, c.handleCaptureFrame, c.handleLoudness)
	if err != nil {
		channel.Close()
		queue.Close()
		device.release()
		return c.failStart(asVoiceError(err))
	}

	c.mu.Lock()
	c.starting = false
	c.device = device
	c.queue = queue
	c.channel = channel
	c.pipeline = pipeline
	c.conversationID = conversationID
	c.connected = true
	c.stats = NewSessionStats()
	c.history.Clear()
	c.setStatusLocked(StatusListening)
	c.mu.Unlock()

	channel.start(c.handleEnvelope, c.handleTransportClose)

	if err := channel.sendType(msgStartSession, startSessionData{
		ConversationID: conversationID,
		Profile:        profile,
	}); err != nil {
		c.EndSession()
		verr := asVoiceError(err)
		c.surfaceError(verr)
		return verr
	}

	c.log.Infof("Voice session started (conversation %s)", conversationID)
	return nil
}

// EndSession tears the session down synchronously: close notice if the
// transport is open, capture stopped, playback cleared, transport closed,
// all fields back to idle defaults. Idempotent from any state.
func (c *Controller) EndSession() {
	c.mu.Lock()
	if c.ending {
		c.mu.Unlock()
		return
	}
	c.ending = true
	channel := c.channel
	pipeline := c.pipeline
	queue := c.queue
	device := c.device
	c.channel = nil
	c.pipeline = nil
	c.queue = nil
	c.device = nil
	c.mu.Unlock()

	if channel != nil && !channel.IsClosed() {
		channel.sendType(msgCloseSession, nil)
	}
	if pipeline != nil {
		pipeline.Stop()
	}
	if queue != nil {
		queue.Close()
	}
	if channel != nil {
		channel.Close()
	}
	if device != nil {
		device.release()
	}

	c.throttle.reset()
	c.loudnessBits.Store(0)

	c.mu.Lock()
	c.ending = false
	c.connected = false
	c.pending = nil
	c.sessionID = ""
	c.setStatusLocked(StatusIdle)
	c.mu.Unlock()
}

// ToggleSession starts a session when idle and ends the active one
// otherwise.
func (c *Controller) ToggleSession(ctx context.Context, opts *SessionOptions) error {
	c.mu.Lock()
	active := c.status != StatusIdle && c.status != StatusError
	c.mu.Unlock()

	if active {
		c.EndSession()
		return nil
	}
	return c.StartSession(ctx, opts)
}

// Interrupt cancels agent playback locally and tells the server the user
// barged in. Idempotent from any state.
func (c *Controller) Interrupt() error {
	c.mu.Lock()
	channel := c.channel
	if channel == nil {
		c.mu.Unlock()
		return nil
	}
	if c.queue != nil {
		c.queue.Clear()
	}
	c.pending = nil
	c.setStatusLocked(StatusListening)
	c.mu.Unlock()

	return channel.sendType(msgInterrupt, nil)
}

// EndTurn asks the server to commit the audio buffer and close the turn.
func (c *Controller) EndTurn() error {
	c.mu.Lock()
	channel := c.channel
	c.mu.Unlock()
	if channel == nil {
		return NewVoiceError("no active session", ErrCodeNotConnected)
	}
	return channel.sendType(msgEndTurn, nil)
}

// Status returns the current session status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connected reports whether the transport is up.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Loudness returns the latest capture loudness in [0, 1]. Poll it from a
// render loop; it is a plain atomic read.
func (c *Controller) Loudness() float64 {
	return math.Float64frombits(c.loudnessBits.Load())
}

// InterimTranscript returns the throttled partial transcript, empty when no
// partial is in flight.
func (c *Controller) InterimTranscript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interimText
}

// InterimRole returns which speaker the interim transcript belongs to.
func (c *Controller) InterimRole() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interimRole
}

// SessionID returns the server-assigned session ID, empty before
// session_started arrives.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// ConversationID returns the conversation this session is attached to.
func (c *Controller) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// ErrorMessage returns the recorded message after entering the error state.
func (c *Controller) ErrorMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errMsg
}

// ErrorCode returns the stable code recorded with the error state, empty
// when no error has occurred.
func (c *Controller) ErrorCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errCode
}

// History returns the session's finalized turns.
func (c *Controller) History() *TurnHistory {
	return c.history
}

// Stats returns the current session's counters.
func (c *Controller) Stats() *SessionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Controller) sessionToken(conversationID string) (string, *VoiceError) {
	if c.tokens != nil {
		token, err := c.tokens.GetToken()
		if err != nil {
			return "", asVoiceError(err)
		}
		return token, nil
	}
	if c.config.UseTokenAuth {
		res := GenerateSessionToken(conversationID)
		if !res.Success {
			return "", res.Error
		}
		return res.Data.Token, nil
	}
	return "", nil
}

// failStart aborts a starting session into the error state.
func (c *Controller) failStart(verr *VoiceError) error {
	c.mu.Lock()
	c.starting = false
	c.errMsg = verr.Message
	c.errCode = verr.Code
	c.errored = true
	c.setStatusLocked(StatusError)
	c.mu.Unlock()

	c.surfaceError(verr)
	return verr
}

func (c *Controller) surfaceError(verr *VoiceError) {
	c.log.LogError(verr)
	if c.OnError != nil {
		c.OnError(verr.Message)
	}
}

// handleCaptureFrame runs on the capture path: encode and ship one frame.
func (c *Controller) handleCaptureFrame(frame []float32) {
	c.mu.Lock()
	channel := c.channel
	stats := c.stats
	c.mu.Unlock()
	if channel == nil {
		return
	}

	encoded := EncodeFrame(frame)
	if err := channel.sendType(msgAudioChunk, audioChunkData{
		Audio:     encoded,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		if c.config.DebugAudio {
			c.log.WithError(err).Debug("Dropping capture frame")
		}
		return
	}
	stats.recordFrameSent(len(frame))
}

func (c *Controller) handleLoudness(level float64) {
	c.loudnessBits.Store(math.Float64bits(level))

	c.mu.Lock()
	stats := c.stats
	c.mu.Unlock()
	stats.recordLoudness(level)
}

// handleEnvelope dispatches one inbound message. Runs on the transport
// reader goroutine, so handling order matches wire order.
func (c *Controller) handleEnvelope(env *Envelope) {
	switch env.Type {
	case msgStatus:
		var data statusData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			c.log.WithError(err).Warn("Skipping malformed status message")
			return
		}
		c.applyServerStatus(data.Status)

	case msgAudioChunk:
		c.handleAudioChunk(env.Data)

	case msgTranscript:
		var data transcriptData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			c.log.WithError(err).Warn("Skipping malformed transcript message")
			return
		}
		c.handleTranscript(data)

	case msgTurnEnd:
		var turn TurnEnd
		if err := json.Unmarshal(env.Data, &turn); err != nil {
			c.log.WithError(err).Warn("Skipping malformed turn_end message")
			return
		}
		c.handleTurnEnd(turn)

	case msgSessionStarted:
		var data sessionStartedData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		c.mu.Lock()
		c.sessionID = data.SessionID
		c.mu.Unlock()
		c.log.Infof("Session established: %s", data.SessionID)

	case msgError:
		var data errorData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			c.log.WithError(err).Warn("Skipping malformed error message")
			return
		}
		code := data.Code
		if code == "" {
			code = ErrCodeSessionError
		}
		c.enterError(data.Message, code)

	default:
		c.log.Debugf("Ignoring unknown message type %q", env.Type)
	}
}

func (c *Controller) handleAudioChunk(data json.RawMessage) {
	var chunk audioChunkData
	if err := json.Unmarshal(data, &chunk); err != nil {
		c.log.WithError(err).Warn("Skipping malformed audio_chunk message")
		return
	}

	frame, err := DecodeFrame(chunk.Audio)
	if err != nil {
		c.log.WithError(err).Warn("Skipping undecodable audio chunk")
		return
	}

	c.mu.Lock()
	queue := c.queue
	stats := c.stats
	c.mu.Unlock()
	if queue == nil {
		return
	}

	queue.AddBuffer(frame)
	stats.recordChunkReceived(len(frame))
}

// applyServerStatus runs the turn-taking state machine on one wire status.
// The transient signals interrupted and generation_done never become
// observable status values.
func (c *Controller) applyServerStatus(s string) {
	c.mu.Lock()
	queue := c.queue

	switch s {
	case signalInterrupted:
		// Server VAD says the user spoke over the agent: kill playback
		// now, drop any deferred transition, and listen. This wins
		// unconditionally.
		if queue != nil {
			queue.Clear()
		}
		c.pending = nil
		c.setStatusLocked(StatusListening)
		c.mu.Unlock()
		return

	case signalGenerationDone:
		if queue != nil && queue.IsPlaying() {
			// Locally buffered audio is still draining; defer the
			// transition until onDrained.
			pending := StatusListening
			c.pending = &pending
			c.mu.Unlock()
			queue.MarkGenerationComplete()
			return
		}
		c.setStatusLocked(StatusListening)
		c.mu.Unlock()
		return
	}

	status, ok := parseStatus(s)
	if !ok {
		c.log.Warnf("Ignoring unknown status %q", s)
		c.mu.Unlock()
		return
	}

	if c.pending != nil {
		if status == StatusSpeaking {
			// New turn started before the previous one drained: cancel
			// the deferred transition and speak immediately.
			c.pending = nil
			if queue != nil {
				queue.ResetGenerationComplete()
			}
			c.setStatusLocked(StatusSpeaking)
			c.mu.Unlock()
			return
		}
		// Stale signal racing the drain window; applying it would
		// flicker the UI.
		c.log.Debugf("Discarding status %q while drain pending", s)
		c.mu.Unlock()
		return
	}

	if status == StatusError {
		c.mu.Unlock()
		c.enterError("server reported error status", ErrCodeSessionError)
		return
	}

	c.setStatusLocked(status)
	c.mu.Unlock()
}

// handleDrained applies a deferred status once scheduled playback has
// physically finished.
func (c *Controller) handleDrained() {
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return
	}
	status := *c.pending
	c.pending = nil
	c.setStatusLocked(status)
	c.mu.Unlock()
}

func (c *Controller) handleTranscript(data transcriptData) {
	role := data.Role
	if role == RoleNone {
		role = RoleAssistant
	}

	if !data.IsFinal {
		c.throttle.push(data.Text, role)
		return
	}

	// Final: stop the throttle and clear the interim buffer before any
	// consumer is notified, so no observation shows both the partial
	// bubble and the finalized message.
	c.throttle.reset()
	c.mu.Lock()
	c.interimText = ""
	c.interimRole = RoleNone
	cb := c.OnTranscript
	c.mu.Unlock()

	if cb != nil {
		cb(data.Text, true, role)
	}
}

// flushInterim is the throttle's flush target.
func (c *Controller) flushInterim(text string, role Role) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.interimText = text
	c.interimRole = role
	cb := c.OnTranscript
	c.mu.Unlock()

	if cb != nil {
		cb(text, false, role)
	}
}

func (c *Controller) handleTurnEnd(turn TurnEnd) {
	c.history.Add(turn)

	c.mu.Lock()
	stats := c.stats
	cb := c.OnTurnEnd
	cbDetail := c.OnTurnEndDetail
	c.mu.Unlock()
	stats.recordTurn()

	if cb != nil {
		cb(turn.UserTranscript, turn.AssistantTranscript)
	}
	if cbDetail != nil {
		cbDetail(turn)
	}
}

// enterError records the message and code, surfaces the error exactly once,
// and tears the session's resources down. No auto-recovery: the caller ends
// and restarts.
func (c *Controller) enterError(message, code string) {
	c.mu.Lock()
	if c.errored {
		c.mu.Unlock()
		return
	}
	c.errored = true
	c.errMsg = message
	c.errCode = code
	c.setStatusLocked(StatusError)
	channel := c.channel
	pipeline := c.pipeline
	queue := c.queue
	device := c.device
	c.channel = nil
	c.pipeline = nil
	c.queue = nil
	c.device = nil
	c.connected = false
	c.pending = nil
	cb := c.OnError
	c.mu.Unlock()

	if pipeline != nil {
		pipeline.Stop()
	}
	if queue != nil {
		queue.Close()
	}
	if channel != nil {
		channel.Close()
	}
	if device != nil {
		device.release()
	}
	c.throttle.reset()

	c.log.LogError(NewVoiceError(message, code))
	if cb != nil {
		cb(message)
	}
}

// handleTransportClose fires when the socket drops. A remote close ends the
// session back to idle; the caller restarts explicitly.
func (c *Controller) handleTransportClose(err error) {
	c.mu.Lock()
	if c.ending || c.errored || c.status == StatusIdle {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err != nil {
		c.log.WithError(err).Warn("Transport closed unexpectedly")
	}
	c.EndSession()
}

// setStatusLocked transitions the observable status. Entering idle clears
// the interim transcript state. Callers hold c.mu.
func (c *Controller) setStatusLocked(status Status) {
	if c.status == status {
		return
	}
	c.log.LogStatusEvent(c.status, status)
	c.status = status
	if status == StatusIdle {
		c.interimText = ""
		c.interimRole = RoleNone
	}
}

func parseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusIdle, StatusListening, StatusThinking, StatusSpeaking, StatusError:
		return Status(s), true
	default:
		return "", false
	}
}

func asVoiceError(err error) *VoiceError {
	if verr, ok := err.(*VoiceError); ok {
		return verr
	}
	return WrapError(err, ErrCodeUnknown)
}
