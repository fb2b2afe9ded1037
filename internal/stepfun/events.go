package stepfun

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Server event types emitted by the StepFun realtime API.
const (
	EventSessionCreated           = "session.created"
	EventSessionUpdated           = "session.updated"
	EventSpeechStarted            = "input_audio_buffer.speech_started"
	EventSpeechStopped            = "input_audio_buffer.speech_stopped"
	EventResponseCreated          = "response.created"
	EventAudioDelta               = "response.audio.delta"
	EventAudioDone                = "response.audio.done"
	EventTextDelta                = "response.audio_transcript.delta"
	EventTextDone                 = "response.audio_transcript.done"
	EventInputTranscriptCompleted = "conversation.item.input_audio_transcription.completed"
	EventResponseDone             = "response.done"
	EventError                    = "error"
)

// Client event types sent to the StepFun realtime API.
const (
	EventSessionUpdate  = "session.update"
	EventAudioAppend    = "input_audio_buffer.append"
	EventAudioCommit    = "input_audio_buffer.commit"
	EventItemCreate     = "conversation.item.create"
	EventResponseCreate = "response.create"
	EventResponseCancel = "response.cancel"
)

// serverEvent is the decoded form of any inbound wire event. Fields not
// relevant to a given type stay zero.
type serverEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
	Session struct {
		ID string `json:"id"`
	} `json:"session"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Error      struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type sessionUpdateEvent struct {
	EventID string        `json:"event_id"`
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Modalities        []string      `json:"modalities"`
	Instructions      string        `json:"instructions"`
	Voice             string        `json:"voice"`
	InputAudioFormat  string        `json:"input_audio_format"`
	OutputAudioFormat string        `json:"output_audio_format"`
	TurnDetection     turnDetection `json:"turn_detection"`
	Tools             []any         `json:"tools"`
	ToolChoice        string        `json:"tool_choice"`
}

type turnDetection struct {
	Type                     string `json:"type"`
	PrefixPaddingMS          int    `json:"prefix_padding_ms"`
	SilenceDurationMS        int    `json:"silence_duration_ms"`
	EnergyAwakenessThreshold int    `json:"energy_awakeness_threshold"`
}

type audioAppendEvent struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Audio   string `json:"audio"`
}

type bareEvent struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
}

type itemCreateEvent struct {
	EventID string           `json:"event_id"`
	Type    string           `json:"type"`
	Item    conversationItem `json:"item"`
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

// newEventID returns a unique, monotonically distinguishable identifier for an
// outbound event. It is for correlation and debugging only; the protocol does
// not acknowledge by event id.
func newEventID() string {
	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("event_%d_%s", time.Now().UnixMilli(), short)
}

func decodeServerEvent(data []byte) (serverEvent, error) {
	var evt serverEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return serverEvent{}, fmt.Errorf("decode server event: %w", err)
	}
	return evt, nil
}
