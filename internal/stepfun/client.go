// Package stepfun speaks the StepFun realtime speech-dialogue protocol over a
// websocket. The client owns the socket and its read loop; everything the
// session layer needs to know arrives through the Handler interface.
package stepfun

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/irisfeng/vapi-cn/internal/audio"
	"github.com/irisfeng/vapi-cn/internal/reliability"
)

var (
	// ErrConnectTimeout is returned when the upstream accepts the websocket
	// but never confirms the session within the connect timeout.
	ErrConnectTimeout = errors.New("stepfun: timed out waiting for session.created")

	// ErrNotConnected is returned by outbound intents before Connect has
	// completed or after the connection is gone.
	ErrNotConnected = errors.New("stepfun: not connected")

	// ErrCallInFlight is returned by SendText while a previous call is still
	// waiting for its response.
	ErrCallInFlight = errors.New("stepfun: a response is already in flight")

	// ErrResponseCancelled resolves a pending SendText whose response was
	// cancelled before completing.
	ErrResponseCancelled = errors.New("stepfun: response cancelled")

	// ErrConnectionClosed resolves a pending SendText when the connection
	// drops or the client is closed.
	ErrConnectionClosed = errors.New("stepfun: connection closed")
)

const writeTimeout = 5 * time.Second

// Handler receives upstream events. All methods are invoked from the client's
// read loop, one at a time; implementations must not block for long.
type Handler interface {
	OnUserSpeechStarted()
	OnUserSpeechStopped()
	OnUserTranscript(text string)
	OnResponseCreated()
	OnTextDelta(delta string)
	OnAudioDelta(pcm []byte)
	OnResponseDone()
	OnUpstreamError(code, message string)
	OnDisconnect(err error)
}

// Config carries everything needed to open and configure an upstream session.
type Config struct {
	APIKey            string
	WSBaseURL         string
	Model             string
	Voice             string
	SystemPrompt      string
	ConnectTimeout    time.Duration
	ConnectAttempts   int
	ConnectRetryDelay time.Duration
}

// Response is the outcome of a completed SendText call.
type Response struct {
	Text        string
	AudioChunks [][]byte
	Complete    bool
}

type pendingCall struct {
	resp Response
	err  error
	done chan struct{}
}

// Client is a connection to one upstream realtime session. It is safe for
// concurrent use; writes are serialized and the read loop dispatches events
// sequentially.
type Client struct {
	cfg     Config
	handler Handler

	connMu    sync.Mutex
	conn      *websocket.Conn
	ready     bool
	sessionID string

	writeMu sync.Mutex

	callMu sync.Mutex
	call   *pendingCall

	closeOnce sync.Once
	closedMu  sync.Mutex
	closed    bool
}

// NewClient builds a client. Connect must be called before any outbound
// intent.
func NewClient(cfg Config, handler Handler) *Client {
	return &Client{cfg: cfg, handler: handler}
}

// Connect dials the upstream, waits for session confirmation, and applies the
// session configuration. Dial failures are retried up to the configured
// attempt count; a confirmed socket that later drops is reported through
// Handler.OnDisconnect, not here.
func (c *Client) Connect(ctx context.Context) error {
	return reliability.Retry(ctx, c.cfg.ConnectAttempts, c.cfg.ConnectRetryDelay, c.connectOnce)
}

func (c *Client) connectOnce(ctx context.Context) error {
	if c.isClosed() {
		return ErrConnectionClosed
	}

	url := fmt.Sprintf("%s/v1/realtime?model=%s", c.cfg.WSBaseURL, c.cfg.Model)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return fmt.Errorf("dial upstream: %w", err)
	}

	created := make(chan string, 1)
	go c.readLoop(conn, created)

	timeout := c.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case sessionID := <-created:
		c.connMu.Lock()
		c.conn = conn
		c.ready = true
		c.sessionID = sessionID
		c.connMu.Unlock()
	case <-time.After(timeout):
		conn.Close()
		return ErrConnectTimeout
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	}

	if err := c.UpdateSession(); err != nil {
		// Detach before closing so the read loop treats this as a
		// superseded socket, not a live disconnect.
		c.connMu.Lock()
		c.conn = nil
		c.ready = false
		c.connMu.Unlock()
		conn.Close()
		return fmt.Errorf("configure session: %w", err)
	}
	return nil
}

// UpdateSession pushes the voice, instructions, audio formats, and server-side
// turn detection settings to the upstream.
func (c *Client) UpdateSession() error {
	return c.writeJSON(sessionUpdateEvent{
		EventID: newEventID(),
		Type:    EventSessionUpdate,
		Session: sessionConfig{
			Modalities:        []string{"text", "audio"},
			Instructions:      c.cfg.SystemPrompt,
			Voice:             c.cfg.Voice,
			InputAudioFormat:  audio.FormatPCM16,
			OutputAudioFormat: audio.FormatPCM16,
			TurnDetection: turnDetection{
				Type:                     "server_vad",
				PrefixPaddingMS:          500,
				SilenceDurationMS:        100,
				EnergyAwakenessThreshold: 2500,
			},
			Tools:      []any{},
			ToolChoice: "none",
		},
	})
}

// AppendAudio streams one chunk of caller audio into the upstream input
// buffer. The chunk is raw PCM16; encoding happens here.
func (c *Client) AppendAudio(pcm []byte) error {
	return c.writeJSON(audioAppendEvent{
		EventID: newEventID(),
		Type:    EventAudioAppend,
		Audio:   audio.EncodePCM16(pcm),
	})
}

// CommitAudio marks the input buffer as a completed utterance.
func (c *Client) CommitAudio() error {
	return c.writeJSON(bareEvent{EventID: newEventID(), Type: EventAudioCommit})
}

// CancelResponse asks the upstream to stop the in-flight response. Any
// pending SendText call resolves with ErrResponseCancelled.
func (c *Client) CancelResponse() error {
	err := c.writeJSON(bareEvent{EventID: newEventID(), Type: EventResponseCancel})
	c.failCall(ErrResponseCancelled)
	return err
}

// SendText injects a user text message and waits for the complete response.
// Only one call may be in flight at a time. The call never hangs: it resolves
// when the response completes, is cancelled, the connection drops, the client
// is closed, or ctx expires.
func (c *Client) SendText(ctx context.Context, text string) (Response, error) {
	if !c.isReady() {
		return Response{}, ErrNotConnected
	}

	call := &pendingCall{done: make(chan struct{})}
	c.callMu.Lock()
	if c.call != nil {
		c.callMu.Unlock()
		return Response{}, ErrCallInFlight
	}
	c.call = call
	c.callMu.Unlock()

	err := c.writeJSON(itemCreateEvent{
		EventID: newEventID(),
		Type:    EventItemCreate,
		Item: conversationItem{
			Type: "message",
			Role: "user",
			Content: []itemContent{
				{Type: "input_text", Text: text},
			},
		},
	})
	if err == nil {
		err = c.writeJSON(bareEvent{EventID: newEventID(), Type: EventResponseCreate})
	}
	if err != nil {
		c.detachCall(call)
		return Response{}, err
	}

	select {
	case <-call.done:
		return call.resp, call.err
	case <-ctx.Done():
		c.detachCall(call)
		return Response{}, ctx.Err()
	}
}

// SessionID returns the upstream session identifier, or "" before the
// handshake completes.
func (c *Client) SessionID() string {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.sessionID
}

// Close tears the connection down. Idempotent. OnDisconnect is not invoked
// for a deliberate close.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closedMu.Lock()
		c.closed = true
		c.closedMu.Unlock()

		c.failCall(ErrConnectionClosed)

		c.connMu.Lock()
		conn := c.conn
		c.conn = nil
		c.ready = false
		c.connMu.Unlock()

		if conn != nil {
			deadline := time.Now().Add(time.Second)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
			conn.Close()
		}
	})
	return nil
}

func (c *Client) isClosed() bool {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()
	return c.closed
}

func (c *Client) isReady() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.ready && c.conn != nil
}

func (c *Client) writeJSON(v any) error {
	c.connMu.Lock()
	conn := c.conn
	ready := c.ready
	c.connMu.Unlock()
	if conn == nil || !ready {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write upstream event: %w", err)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, created chan<- string) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		evt, derr := decodeServerEvent(data)
		if derr != nil {
			log.Printf("stepfun: dropping undecodable event: %v", derr)
			continue
		}
		c.dispatch(evt, created)
	}
}

func (c *Client) dispatch(evt serverEvent, created chan<- string) {
	switch evt.Type {
	case EventSessionCreated:
		select {
		case created <- evt.Session.ID:
		default:
		}
	case EventSessionUpdated:
		// Acknowledgement only.
	case EventSpeechStarted:
		c.handler.OnUserSpeechStarted()
	case EventSpeechStopped:
		c.handler.OnUserSpeechStopped()
	case EventInputTranscriptCompleted:
		if evt.Transcript != "" {
			c.handler.OnUserTranscript(evt.Transcript)
		}
	case EventResponseCreated:
		c.handler.OnResponseCreated()
	case EventTextDelta:
		c.appendCallText(evt.Delta)
		c.handler.OnTextDelta(evt.Delta)
	case EventAudioDelta:
		pcm, err := audio.DecodePCM16(evt.Delta)
		if err != nil {
			log.Printf("stepfun: dropping malformed audio delta: %v", err)
			return
		}
		c.appendCallAudio(pcm)
		c.handler.OnAudioDelta(pcm)
	case EventTextDone, EventAudioDone:
		// Per-stream terminators; response.done is the turn boundary.
	case EventResponseDone:
		c.resolveCall()
		c.handler.OnResponseDone()
	case EventError:
		code := evt.Error.Code
		if code == "" {
			code = evt.Error.Type
		}
		c.handler.OnUpstreamError(code, evt.Error.Message)
	default:
		// Unknown event types are ignored so upstream additions stay
		// non-breaking.
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn, err error) {
	conn.Close()

	c.connMu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
		c.ready = false
	}
	c.connMu.Unlock()

	// A superseded socket's read loop exits silently.
	if !current && !c.isClosed() {
		return
	}

	c.failCall(ErrConnectionClosed)
	if !c.isClosed() {
		c.handler.OnDisconnect(err)
	}
}

func (c *Client) appendCallText(delta string) {
	c.callMu.Lock()
	defer c.callMu.Unlock()
	if c.call != nil {
		c.call.resp.Text += delta
	}
}

func (c *Client) appendCallAudio(pcm []byte) {
	c.callMu.Lock()
	defer c.callMu.Unlock()
	if c.call != nil {
		c.call.resp.AudioChunks = append(c.call.resp.AudioChunks, pcm)
	}
}

func (c *Client) resolveCall() {
	c.callMu.Lock()
	defer c.callMu.Unlock()
	if c.call == nil {
		return
	}
	c.call.resp.Complete = true
	close(c.call.done)
	c.call = nil
}

func (c *Client) failCall(err error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()
	if c.call == nil {
		return
	}
	c.call.err = err
	close(c.call.done)
	c.call = nil
}

func (c *Client) detachCall(call *pendingCall) {
	c.callMu.Lock()
	defer c.callMu.Unlock()
	if c.call == call {
		c.call = nil
	}
}
