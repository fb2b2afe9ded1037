package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/irisfeng/vapi-cn/internal/audio"
	"github.com/irisfeng/vapi-cn/internal/observability"
	"github.com/irisfeng/vapi-cn/internal/protocol"
	"github.com/irisfeng/vapi-cn/internal/reliability"
	"github.com/irisfeng/vapi-cn/internal/stepfun"
)

const outboundBuffer = 256

const reconnectTimeout = time.Minute

// Upstream is the slice of the speech service client a session drives.
type Upstream interface {
	Connect(ctx context.Context) error
	AppendAudio(pcm []byte) error
	CommitAudio() error
	SendText(ctx context.Context, text string) (stepfun.Response, error)
	CancelResponse() error
	Close() error
}

// Message is one logged conversation entry.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session bridges one client transport connection to one upstream session.
// It implements stepfun.Handler; upstream events, transport messages, and
// teardown all serialize on one mutex.
type Session struct {
	id               string
	assistantID      string
	upstream         Upstream
	metrics          *observability.Metrics
	outputSampleRate int

	outbound chan protocol.ServerEnvelope
	done     chan struct{}

	mu             sync.Mutex
	turn           *TurnMachine
	pending        *PendingResponse
	messages       []Message
	lastActive     time.Time
	closed         bool
	responseStart  time.Time
	firstAudioSeen bool

	closeOnce sync.Once
}

// NewSession builds a session keyed by its conversation id. AttachUpstream
// must be called before the upstream is connected.
func NewSession(conversationID, assistantID string, metrics *observability.Metrics, outputSampleRate int) *Session {
	return &Session{
		id:               conversationID,
		assistantID:      assistantID,
		metrics:          metrics,
		outputSampleRate: outputSampleRate,
		outbound:         make(chan protocol.ServerEnvelope, outboundBuffer),
		done:             make(chan struct{}),
		turn:             NewTurnMachine(),
		pending:          NewPendingResponse(),
		lastActive:       time.Now(),
	}
}

// AttachUpstream wires the upstream client. The client is constructed after
// the session because it needs the session as its event handler.
func (s *Session) AttachUpstream(u Upstream) {
	s.upstream = u
}

func (s *Session) ID() string          { return s.id }
func (s *Session) AssistantID() string { return s.assistantID }

// Outbound is the stream of envelopes the transport must deliver to the
// client. It is closed when the session closes.
func (s *Session) Outbound() <-chan protocol.ServerEnvelope { return s.outbound }

// Done is closed when the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// TurnState reports the current floor holder.
func (s *Session) TurnState() TurnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn.State()
}

// Messages returns a copy of the conversation log so far.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// LastActive reports when the session last saw client traffic.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Close tears the session down: fails any in-flight text call, closes the
// upstream, and closes the outbound stream. Idempotent and safe to call from
// any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.outbound)
		s.mu.Unlock()

		if s.upstream != nil {
			if err := s.upstream.Close(); err != nil {
				log.Printf("session %s: upstream close: %v", s.id, err)
			}
		}
		close(s.done)
		s.metrics.SessionEvents.WithLabelValues("closed").Inc()
	})
}

// Greet emits the welcome envelope. Called by the transport once the
// connection is established.
func (s *Session) Greet() {
	s.send(protocol.NewServerEnvelope(protocol.TypeWelcome, protocol.WelcomePayload{
		Message:        "connected",
		AssistantID:    s.assistantID,
		ConversationID: s.id,
	}))
}

// HandleBinaryAudio forwards one raw PCM16 frame from the transport to the
// upstream input buffer.
func (s *Session) HandleBinaryAudio(pcm []byte) {
	s.touch()
	s.metrics.WSMessages.WithLabelValues("in", "audio_binary").Inc()
	if err := s.upstream.AppendAudio(pcm); err != nil {
		s.sendError(fmt.Sprintf("forward audio: %v", err))
	}
}

// HandleAudioBase64 is the JSON audio path. Malformed base64 is reported and
// dropped without affecting the session.
func (s *Session) HandleAudioBase64(encoded string) {
	s.metrics.WSMessages.WithLabelValues("in", "audio_json").Inc()
	pcm, err := audio.DecodePCM16(encoded)
	if err != nil {
		s.sendError("invalid audio payload")
		return
	}
	s.touch()
	if err := s.upstream.AppendAudio(pcm); err != nil {
		s.sendError(fmt.Sprintf("forward audio: %v", err))
	}
}

// HandleText runs a text-initiated turn: log the user message, echo it as a
// transcription, and drive the upstream request without blocking the caller.
func (s *Session) HandleText(content string) {
	s.touch()
	s.metrics.WSMessages.WithLabelValues("in", "text").Inc()

	s.mu.Lock()
	s.messages = append(s.messages, Message{Role: "user", Content: content, Timestamp: time.Now().UTC()})
	s.responseStart = time.Now()
	s.firstAudioSeen = false
	s.sendLocked(protocol.NewServerEnvelope(protocol.TypeTranscription, protocol.TranscriptionPayload{
		Text: content,
		Role: "user",
	}))
	s.sendLocked(protocol.NewServerEnvelope(protocol.TypeStatus, protocol.StatusPayload{Status: "thinking"}))
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		_, err := s.upstream.SendText(ctx, content)
		switch {
		case err == nil:
			// Deltas and completion were already streamed through the
			// handler callbacks.
		case errors.Is(err, stepfun.ErrResponseCancelled):
			// The interruption path already told the client.
		case errors.Is(err, stepfun.ErrConnectionClosed):
			// Teardown or reconnect owns the messaging.
		default:
			s.sendError(fmt.Sprintf("send text: %v", err))
		}
	}()
}

// HandleControl applies a client control command. A duplicate interrupt is a
// no-op.
func (s *Session) HandleControl(command string) {
	s.touch()
	s.metrics.WSMessages.WithLabelValues("in", "control").Inc()

	switch command {
	case protocol.CommandInterrupt:
		s.interrupt("client_request")
	case protocol.CommandCommit:
		if err := s.upstream.CommitAudio(); err != nil {
			s.sendError(fmt.Sprintf("commit audio: %v", err))
		}
	}
}

func (s *Session) interrupt(reason string) {
	s.mu.Lock()
	if !s.turn.Interrupt() {
		s.mu.Unlock()
		return
	}
	s.pending.Reset()
	s.responseStart = time.Time{}
	s.sendLocked(protocol.NewServerEnvelope(protocol.TypeInterrupted, protocol.InterruptedPayload{Reason: reason}))
	s.mu.Unlock()

	s.metrics.Interruptions.Inc()
	if err := s.upstream.CancelResponse(); err != nil && !errors.Is(err, stepfun.ErrNotConnected) {
		log.Printf("session %s: cancel response: %v", s.id, err)
	}
}

// OnUserSpeechStarted implements stepfun.Handler. Speech over a streaming
// response is a barge-in: the interruption notice goes out before anything
// else, then the upstream response is cancelled.
func (s *Session) OnUserSpeechStarted() {
	s.metrics.UpstreamEvents.WithLabelValues(stepfun.EventSpeechStarted).Inc()

	s.mu.Lock()
	bargeIn, ok := s.turn.UserSpeechStarted()
	if !ok {
		s.metrics.IgnoredTransition.WithLabelValues("speech_started").Inc()
		s.mu.Unlock()
		return
	}
	if bargeIn {
		s.pending.Reset()
		s.responseStart = time.Time{}
		s.sendLocked(protocol.NewServerEnvelope(protocol.TypeInterrupted, protocol.InterruptedPayload{Reason: "user_speech"}))
	}
	s.sendLocked(protocol.NewServerEnvelope(protocol.TypeStatus, protocol.StatusPayload{Status: "listening"}))
	s.mu.Unlock()

	if bargeIn {
		s.metrics.Interruptions.Inc()
		if err := s.upstream.CancelResponse(); err != nil && !errors.Is(err, stepfun.ErrNotConnected) {
			log.Printf("session %s: cancel response: %v", s.id, err)
		}
	}
}

func (s *Session) OnUserSpeechStopped() {
	s.metrics.UpstreamEvents.WithLabelValues(stepfun.EventSpeechStopped).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.turn.UserSpeechStopped() {
		s.metrics.IgnoredTransition.WithLabelValues("speech_stopped").Inc()
		return
	}
	s.responseStart = time.Now()
	s.firstAudioSeen = false
	s.sendLocked(protocol.NewServerEnvelope(protocol.TypeStatus, protocol.StatusPayload{Status: "thinking"}))
}

func (s *Session) OnUserTranscript(text string) {
	s.metrics.UpstreamEvents.WithLabelValues(stepfun.EventInputTranscriptCompleted).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, Message{Role: "user", Content: text, Timestamp: time.Now().UTC()})
	s.sendLocked(protocol.NewServerEnvelope(protocol.TypeTranscription, protocol.TranscriptionPayload{
		Text: text,
		Role: "user",
	}))
}

func (s *Session) OnResponseCreated() {
	s.metrics.UpstreamEvents.WithLabelValues(stepfun.EventResponseCreated).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.turn.ResponseStarted() {
		s.metrics.IgnoredTransition.WithLabelValues("response_created").Inc()
		return
	}
	if s.responseStart.IsZero() {
		s.responseStart = time.Now()
		s.firstAudioSeen = false
	}
	s.sendLocked(protocol.NewServerEnvelope(protocol.TypeStatus, protocol.StatusPayload{Status: "responding"}))
}

// OnTextDelta forwards assistant transcript increments. Deltas from a
// cancelled response arrive after the floor changed hands and are dropped.
func (s *Session) OnTextDelta(delta string) {
	s.metrics.UpstreamEvents.WithLabelValues(stepfun.EventTextDelta).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turn.State() != TurnAssistantSpeaking {
		return
	}
	s.pending.AppendText(delta)
	s.sendLocked(protocol.NewServerEnvelope(protocol.TypeTextDelta, protocol.TextDeltaPayload{
		Text: delta,
		Role: "assistant",
	}))
}

func (s *Session) OnAudioDelta(pcm []byte) {
	s.metrics.UpstreamEvents.WithLabelValues(stepfun.EventAudioDelta).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turn.State() != TurnAssistantSpeaking {
		return
	}
	if !s.firstAudioSeen && !s.responseStart.IsZero() {
		s.firstAudioSeen = true
		s.metrics.ObserveFirstAudioLatency(time.Since(s.responseStart))
	}
	s.pending.AppendAudio(pcm)
	s.sendLocked(protocol.NewServerEnvelope(protocol.TypeAudio, protocol.AudioPayload{
		Audio:      audio.EncodePCM16(pcm),
		Format:     audio.FormatPCM16,
		SampleRate: s.outputSampleRate,
	}))
}

func (s *Session) OnResponseDone() {
	s.metrics.UpstreamEvents.WithLabelValues(stepfun.EventResponseDone).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.turn.ResponseDone() {
		s.metrics.IgnoredTransition.WithLabelValues("response_done").Inc()
		return
	}
	if text := s.pending.Text(); text != "" {
		s.messages = append(s.messages, Message{Role: "assistant", Content: text, Timestamp: time.Now().UTC()})
	}
	s.pending.Reset()
	s.responseStart = time.Time{}
	s.sendLocked(protocol.NewServerEnvelope(protocol.TypeStatus, protocol.StatusPayload{Status: "completed"}))
}

func (s *Session) OnUpstreamError(code, message string) {
	retryable := reliability.IsRetryableRealtimeMessageType(code)
	s.metrics.UpstreamErrors.WithLabelValues(code, strconv.FormatBool(retryable)).Inc()
	s.sendError(fmt.Sprintf("upstream error %s: %s", code, message))
}

// OnDisconnect runs the reconnection path: the session survives, the socket
// is replaced. Only a failed reconnect ends the session.
func (s *Session) OnDisconnect(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	log.Printf("session %s: upstream disconnected: %v", s.id, err)
	s.turn.Reset()
	s.pending.Reset()
	s.responseStart = time.Time{}
	s.sendLocked(protocol.NewServerEnvelope(protocol.TypeStatus, protocol.StatusPayload{
		Status:  "reconnecting",
		Message: "upstream connection lost",
	}))
	s.mu.Unlock()

	s.metrics.SessionEvents.WithLabelValues("upstream_reconnect").Inc()
	go s.reconnect()
}

func (s *Session) reconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), reconnectTimeout)
	defer cancel()

	if err := s.upstream.Connect(ctx); err != nil {
		log.Printf("session %s: reconnect failed: %v", s.id, err)
		s.sendError("upstream connection lost")
		s.Close()
		return
	}
	s.metrics.SessionEvents.WithLabelValues("upstream_reconnected").Inc()
	s.send(protocol.NewServerEnvelope(protocol.TypeStatus, protocol.StatusPayload{Status: "listening"}))
}

// SendErrorEnvelope reports a transport-level problem to the client without
// touching turn state.
func (s *Session) SendErrorEnvelope(msg string) {
	s.sendError(msg)
}

func (s *Session) sendError(msg string) {
	s.send(protocol.NewServerEnvelope(protocol.TypeError, protocol.ErrorPayload{Error: msg}))
}

func (s *Session) send(env protocol.ServerEnvelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendLocked(env)
}

// sendLocked enqueues without blocking. A transport that cannot keep up
// loses envelopes rather than stalling the upstream pump.
func (s *Session) sendLocked(env protocol.ServerEnvelope) {
	if s.closed {
		return
	}
	select {
	case s.outbound <- env:
		s.metrics.WSMessages.WithLabelValues("out", string(env.Type)).Inc()
	default:
		log.Printf("session %s: outbound full, dropping %s", s.id, env.Type)
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}
