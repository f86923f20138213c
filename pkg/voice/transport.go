package voice

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

const maxEnvelopeBytes = 512 * 1024

// Channel is a persistent duplex connection carrying typed JSON envelopes.
// A single reader goroutine preserves message order; writes are serialized
// by a mutex. There is no automatic reconnection: a read error or close ends
// the session and the caller restarts explicitly.
type Channel struct {
	conn       *websocket.Conn
	log        *Logger
	debug      bool
	onEnvelope func(*Envelope)

	writeMu sync.Mutex

	closeMu   sync.Mutex
	closed    bool
	onClose   func(err error)
	closeOnce sync.Once
}

// dialSession connects to the voice session endpoint. A non-empty token is
// appended as a query parameter, which is how the backend authenticates the
// socket. Plain ws:// is refused for non-loopback hosts.
func dialSession(ctx context.Context, cfg *Config, token string) (*Channel, error) {
	if err := checkEndpointSecurity(cfg.Endpoint); err != nil {
		return nil, err
	}

	endpoint := cfg.Endpoint
	if token != "" {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, WrapError(err, ErrCodeConnectionFailed)
		}
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}

	header := make(http.Header)
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return nil, WrapError(err, ErrCodeConnectionFailed)
	}
	conn.SetReadLimit(maxEnvelopeBytes)

	return &Channel{
		conn:  conn,
		log:   GetGlobalLogger().WithComponent("transport"),
		debug: cfg.DebugTransport,
	}, nil
}

// start installs the handlers and begins the read loop. onEnvelope runs on
// the reader goroutine, so handler order matches wire order. onClose fires
// at most once, with nil for a locally initiated close.
func (ch *Channel) start(onEnvelope func(*Envelope), onClose func(err error)) {
	ch.onEnvelope = onEnvelope
	ch.onClose = onClose
	go ch.readLoop()
}

func (ch *Channel) readLoop() {
	for {
		_, raw, err := ch.conn.ReadMessage()
		if err != nil {
			ch.handleClose(err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			// Malformed envelope: skip the single message, keep the session.
			ch.log.WithError(err).Warn("Skipping malformed envelope")
			continue
		}

		if ch.debug {
			ch.log.Debugf("Received %s (%d bytes)", env.Type, len(raw))
		}

		if ch.onEnvelope != nil {
			ch.onEnvelope(&env)
		}
	}
}

// Send writes one envelope. Safe for concurrent use.
func (ch *Channel) Send(env *Envelope) error {
	ch.closeMu.Lock()
	closed := ch.closed
	ch.closeMu.Unlock()
	if closed {
		return NewVoiceError("channel closed", ErrCodeNotConnected)
	}

	if ch.debug {
		ch.log.Debugf("Sending %s", env.Type)
	}

	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	if err := ch.conn.WriteJSON(env); err != nil {
		return WrapError(err, ErrCodeConnectionFailed)
	}
	return nil
}

func (ch *Channel) sendType(msgType string, data any) error {
	env, err := newEnvelope(msgType, data)
	if err != nil {
		return WrapError(err, ErrCodeJSONParse)
	}
	return ch.Send(env)
}

// Close tears down the connection. Idempotent; the close handler sees a nil
// error for local closes.
func (ch *Channel) Close() {
	ch.closeMu.Lock()
	if ch.closed {
		ch.closeMu.Unlock()
		return
	}
	ch.closed = true
	ch.closeMu.Unlock()

	ch.writeMu.Lock()
	ch.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	ch.writeMu.Unlock()

	ch.conn.Close()
	ch.fireClose(nil)
}

func (ch *Channel) handleClose(err error) {
	ch.closeMu.Lock()
	wasClosed := ch.closed
	ch.closed = true
	ch.closeMu.Unlock()

	ch.conn.Close()
	if wasClosed {
		// Local Close already notified with nil.
		return
	}
	ch.fireClose(err)
}

func (ch *Channel) fireClose(err error) {
	ch.closeOnce.Do(func() {
		if ch.onClose != nil {
			ch.onClose(err)
		}
	})
}

// IsClosed reports whether the channel has been torn down.
func (ch *Channel) IsClosed() bool {
	ch.closeMu.Lock()
	defer ch.closeMu.Unlock()
	return ch.closed
}

// checkEndpointSecurity enforces the secure-transport rule: wss:// anywhere,
// ws:// only to localhost or a loopback address.
func checkEndpointSecurity(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return NewConfigError("invalid endpoint URL: " + err.Error())
	}

	switch u.Scheme {
	case "wss":
		return nil
	case "ws":
		if isLoopbackHost(u.Hostname()) {
			return nil
		}
		return NewInsecureEndpointError(endpoint)
	default:
		return NewConfigError("endpoint must use ws:// or wss://")
	}
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
