package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType identifies websocket payload variants in both directions.
type MessageType string

// Server to client.
const (
	TypeWelcome       MessageType = "welcome"
	TypeTranscription MessageType = "transcription"
	TypeTextDelta     MessageType = "text_delta"
	TypeAudio         MessageType = "audio"
	TypeStatus        MessageType = "status"
	TypeError         MessageType = "error"
	TypeInterrupted   MessageType = "interrupted"
)

// Client to server.
const (
	TypeClientText    MessageType = "text"
	TypeClientAudio   MessageType = "audio"
	TypeClientControl MessageType = "control"
)

// Control commands.
const (
	CommandInterrupt = "interrupt"
	CommandCommit    = "commit"
)

var ErrUnsupportedType = errors.New("unsupported message type")

// ServerEnvelope is the uniform relay-to-transport message shape.
type ServerEnvelope struct {
	Type      MessageType `json:"type"`
	Data      any         `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

func NewServerEnvelope(t MessageType, data any) ServerEnvelope {
	return ServerEnvelope{Type: t, Data: data, Timestamp: time.Now().UTC()}
}

type WelcomePayload struct {
	Message        string `json:"message"`
	AssistantID    string `json:"assistant_id"`
	ConversationID string `json:"conversation_id"`
}

type TranscriptionPayload struct {
	Text string `json:"text"`
	Role string `json:"role"`
}

type TextDeltaPayload struct {
	Text string `json:"text"`
	Role string `json:"role"`
}

type AudioPayload struct {
	Audio      string `json:"audio"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
}

type StatusPayload struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

type InterruptedPayload struct {
	Reason string `json:"reason"`
}

// ClientText is a user utterance submitted as text; it triggers a response.
type ClientText struct {
	Content string
}

// ClientAudio is the JSON audio path: base64-encoded PCM16.
type ClientAudio struct {
	AudioBase64 string
}

// ClientControl carries interrupt/commit commands.
type ClientControl struct {
	Command string
}

type clientEnvelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ParseClientMessage decodes a text frame from the transport into one of the
// Client* message structs.
func ParseClientMessage(raw []byte) (any, error) {
	var env clientEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientText:
		var data struct {
			Content string `json:"content"`
		}
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &data); err != nil {
				return nil, fmt.Errorf("invalid text data: %w", err)
			}
		}
		if data.Content == "" {
			return nil, errors.New("text message requires content")
		}
		return ClientText{Content: data.Content}, nil
	case TypeClientAudio:
		var data struct {
			Audio string `json:"audio"`
		}
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &data); err != nil {
				return nil, fmt.Errorf("invalid audio data: %w", err)
			}
		}
		if data.Audio == "" {
			return nil, errors.New("audio message requires audio")
		}
		return ClientAudio{AudioBase64: data.Audio}, nil
	case TypeClientControl:
		var data struct {
			Command string `json:"command"`
		}
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &data); err != nil {
				return nil, fmt.Errorf("invalid control data: %w", err)
			}
		}
		switch data.Command {
		case CommandInterrupt, CommandCommit:
			return ClientControl{Command: data.Command}, nil
		default:
			return nil, fmt.Errorf("unknown control command %q", data.Command)
		}
	default:
		return nil, ErrUnsupportedType
	}
}
