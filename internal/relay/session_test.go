package relay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/irisfeng/vapi-cn/internal/observability"
	"github.com/irisfeng/vapi-cn/internal/protocol"
	"github.com/irisfeng/vapi-cn/internal/stepfun"
)

type fakeUpstream struct {
	mu         sync.Mutex
	appended   [][]byte
	commits    int
	cancels    int
	connects   int
	closes     int
	connectErr error
	sendTextFn func(ctx context.Context, text string) (stepfun.Response, error)
}

func (f *fakeUpstream) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeUpstream) AppendAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, pcm)
	return nil
}

func (f *fakeUpstream) CommitAudio() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	return nil
}

func (f *fakeUpstream) SendText(ctx context.Context, text string) (stepfun.Response, error) {
	if f.sendTextFn != nil {
		return f.sendTextFn(ctx, text)
	}
	return stepfun.Response{Complete: true}, nil
}

func (f *fakeUpstream) CancelResponse() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeUpstream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeUpstream) counts() (appended, commits, cancels, connects, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.appended), f.commits, f.cancels, f.connects, f.closes
}

func testMetrics() *observability.Metrics {
	return observability.NewMetrics(fmt.Sprintf("test_relay_%d", time.Now().UnixNano()))
}

func newTestSession() (*Session, *fakeUpstream) {
	up := &fakeUpstream{}
	s := NewSession("conv-1", "default", testMetrics(), 24000)
	s.AttachUpstream(up)
	return s, up
}

func nextEnvelope(t *testing.T, s *Session) protocol.ServerEnvelope {
	t.Helper()
	select {
	case env, ok := <-s.Outbound():
		if !ok {
			t.Fatal("outbound closed while waiting for envelope")
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return protocol.ServerEnvelope{}
	}
}

func expectType(t *testing.T, s *Session, want protocol.MessageType) protocol.ServerEnvelope {
	t.Helper()
	env := nextEnvelope(t, s)
	if env.Type != want {
		t.Fatalf("envelope type = %q, want %q", env.Type, want)
	}
	return env
}

func expectSilence(t *testing.T, s *Session) {
	t.Helper()
	select {
	case env, ok := <-s.Outbound():
		if ok {
			t.Fatalf("unexpected envelope %q", env.Type)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func driveToAssistantSpeaking(t *testing.T, s *Session) {
	t.Helper()
	s.OnUserSpeechStarted()
	expectType(t, s, protocol.TypeStatus) // listening
	s.OnUserSpeechStopped()
	expectType(t, s, protocol.TypeStatus) // thinking
	s.OnResponseCreated()
	expectType(t, s, protocol.TypeStatus) // responding
}

func TestBargeInCancelsAndSilencesResponse(t *testing.T) {
	s, up := newTestSession()
	defer s.Close()

	driveToAssistantSpeaking(t, s)
	s.OnTextDelta("partial ")
	expectType(t, s, protocol.TypeTextDelta)
	s.OnAudioDelta([]byte{1, 2})
	expectType(t, s, protocol.TypeAudio)

	s.OnUserSpeechStarted()

	// Interruption notice strictly precedes any further envelope.
	env := expectType(t, s, protocol.TypeInterrupted)
	payload, ok := env.Data.(protocol.InterruptedPayload)
	if !ok || payload.Reason != "user_speech" {
		t.Fatalf("interrupted payload = %+v, want reason user_speech", env.Data)
	}
	expectType(t, s, protocol.TypeStatus) // listening

	if _, _, cancels, _, _ := up.counts(); cancels != 1 {
		t.Fatalf("upstream cancels = %d, want 1", cancels)
	}

	// Stragglers from the cancelled response never reach the client.
	s.OnAudioDelta([]byte{3, 4})
	s.OnTextDelta("ghost")
	s.OnResponseDone()
	expectSilence(t, s)

	for _, m := range s.Messages() {
		if m.Role == "assistant" {
			t.Fatalf("cancelled response was logged: %+v", m)
		}
	}
}

func TestClientInterruptIsIdempotent(t *testing.T) {
	s, up := newTestSession()
	defer s.Close()

	// Interrupt with nothing in flight does nothing.
	s.HandleControl(protocol.CommandInterrupt)
	expectSilence(t, s)
	if _, _, cancels, _, _ := up.counts(); cancels != 0 {
		t.Fatalf("idle interrupt reached upstream: cancels = %d", cancels)
	}

	driveToAssistantSpeaking(t, s)

	s.HandleControl(protocol.CommandInterrupt)
	env := expectType(t, s, protocol.TypeInterrupted)
	payload := env.Data.(protocol.InterruptedPayload)
	if payload.Reason != "client_request" {
		t.Fatalf("interrupted reason = %q, want client_request", payload.Reason)
	}

	s.HandleControl(protocol.CommandInterrupt)
	expectSilence(t, s)
	if _, _, cancels, _, _ := up.counts(); cancels != 1 {
		t.Fatalf("upstream cancels = %d, want 1", cancels)
	}
}

func TestTextTurnLogsBothSides(t *testing.T) {
	s, _ := newTestSession()
	defer s.Close()

	s.HandleText("what time is it")
	env := expectType(t, s, protocol.TypeTranscription)
	tr := env.Data.(protocol.TranscriptionPayload)
	if tr.Text != "what time is it" || tr.Role != "user" {
		t.Fatalf("transcription payload = %+v", tr)
	}
	expectType(t, s, protocol.TypeStatus) // thinking

	// Simulate the upstream streaming the answer.
	s.OnResponseCreated()
	expectType(t, s, protocol.TypeStatus) // responding
	s.OnTextDelta("half ")
	expectType(t, s, protocol.TypeTextDelta)
	s.OnTextDelta("past nine")
	expectType(t, s, protocol.TypeTextDelta)
	s.OnResponseDone()
	env = expectType(t, s, protocol.TypeStatus)
	if env.Data.(protocol.StatusPayload).Status != "completed" {
		t.Fatalf("final status = %+v, want completed", env.Data)
	}

	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("logged messages = %d, want 2: %+v", len(msgs), msgs)
	}
	if msgs[0].Role != "user" || msgs[0].Content != "what time is it" {
		t.Fatalf("user message = %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "half past nine" {
		t.Fatalf("assistant message = %+v", msgs[1])
	}
}

func TestBinaryAudioForwarded(t *testing.T) {
	s, up := newTestSession()
	defer s.Close()

	s.HandleBinaryAudio([]byte{1, 2, 3})
	s.HandleBinaryAudio([]byte{4, 5})
	s.HandleControl(protocol.CommandCommit)

	appended, commits, _, _, _ := up.counts()
	if appended != 2 {
		t.Fatalf("forwarded frames = %d, want 2", appended)
	}
	if commits != 1 {
		t.Fatalf("commits = %d, want 1", commits)
	}
}

func TestMalformedJSONAudioRejected(t *testing.T) {
	s, up := newTestSession()
	defer s.Close()

	s.HandleAudioBase64("@@not-base64@@")
	expectType(t, s, protocol.TypeError)
	if appended, _, _, _, _ := up.counts(); appended != 0 {
		t.Fatalf("malformed audio reached upstream: %d frames", appended)
	}

	// The session keeps working afterwards.
	s.HandleBinaryAudio([]byte{9})
	if appended, _, _, _, _ := up.counts(); appended != 1 {
		t.Fatalf("frames after rejection = %d, want 1", appended)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s, up := newTestSession()

	s.Close()
	s.Close()

	if _, _, _, _, closes := up.counts(); closes != 1 {
		t.Fatalf("upstream closes = %d, want 1", closes)
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done() not closed after Close()")
	}
	if _, ok := <-s.Outbound(); ok {
		t.Fatal("outbound still open after Close()")
	}
}

func TestDisconnectTriggersReconnect(t *testing.T) {
	s, up := newTestSession()
	defer s.Close()

	driveToAssistantSpeaking(t, s)
	s.OnDisconnect(fmt.Errorf("read tcp: connection reset"))

	env := expectType(t, s, protocol.TypeStatus)
	if env.Data.(protocol.StatusPayload).Status != "reconnecting" {
		t.Fatalf("status = %+v, want reconnecting", env.Data)
	}
	env = expectType(t, s, protocol.TypeStatus)
	if env.Data.(protocol.StatusPayload).Status != "listening" {
		t.Fatalf("status = %+v, want listening", env.Data)
	}

	if _, _, _, connects, _ := up.counts(); connects != 1 {
		t.Fatalf("reconnect attempts = %d, want 1", connects)
	}
	if got := s.TurnState(); got != TurnIdle {
		t.Fatalf("TurnState() after reconnect = %v, want %v", got, TurnIdle)
	}
}

func TestFailedReconnectEndsSession(t *testing.T) {
	s, up := newTestSession()
	up.connectErr = fmt.Errorf("dial upstream: refused")

	s.OnDisconnect(fmt.Errorf("read tcp: connection reset"))
	expectType(t, s, protocol.TypeStatus) // reconnecting
	expectType(t, s, protocol.TypeError)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session not closed after failed reconnect")
	}
}
