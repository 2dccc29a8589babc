package dialogue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/invopop/jsonschema"
	"github.com/jinzhu/copier"
	"github.com/ym-dskr/talk-system/core/events"
)

// ClientEvent is an outbound message. Implementations are the pointer types
// declared in this file.
type ClientEvent interface {
	Type() string
	stamp(eventID, eventType string)
}

type Header struct {
	EventID   string `json:"event_id,omitempty"`
	EventType string `json:"type"`
}

func (h *Header) stamp(eventID, eventType string) {
	h.EventID = eventID
	h.EventType = eventType
}

type SessionUpdate struct {
	Header
	Session sessionPayload `json:"session"`
}

func (SessionUpdate) Type() string { return "session.update" }

type sessionPayload struct {
	Modalities        []string              `json:"modalities,omitempty"`
	Instructions      string                `json:"instructions,omitempty"`
	Voice             string                `json:"voice,omitempty"`
	InputAudioFormat  string                `json:"input_audio_format,omitempty"`
	OutputAudioFormat string                `json:"output_audio_format,omitempty"`
	Transcription     *transcriptionPayload `json:"input_audio_transcription,omitempty"`
	Detection         *turnDetectionPayload `json:"turn_detection,omitempty"`
	Functions         []toolPayload         `json:"tools,omitempty"`
	ToolChoice        string                `json:"tool_choice,omitempty"`
}

type transcriptionPayload struct {
	Model string `json:"model"`
}

type turnDetectionPayload struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

type toolPayload struct {
	Type        string             `json:"type"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters,omitempty"`
}

// NewSessionUpdate builds the session.update message for cfg.
func NewSessionUpdate(cfg SessionConfig) (*SessionUpdate, error) {
	var session sessionPayload
	if err := copier.Copy(&session, &cfg); err != nil {
		return nil, fmt.Errorf("failed to copy session config: %w", err)
	}

	if cfg.TranscriptionModel != "" {
		session.Transcription = &transcriptionPayload{Model: cfg.TranscriptionModel}
	}
	if cfg.TurnDetection.Type != "" {
		session.Detection = &turnDetectionPayload{}
		if err := copier.Copy(session.Detection, &cfg.TurnDetection); err != nil {
			return nil, fmt.Errorf("failed to copy turn detection config: %w", err)
		}
	}
	if len(cfg.Tools) > 0 {
		if err := copier.Copy(&session.Functions, cfg.Tools); err != nil {
			return nil, fmt.Errorf("failed to copy tool definitions: %w", err)
		}
		for i := range session.Functions {
			session.Functions[i].Type = "function"
		}
	} else {
		session.ToolChoice = ""
	}

	return &SessionUpdate{Session: session}, nil
}

type InputAudioAppend struct {
	Header
	Audio string `json:"audio"`
}

func (InputAudioAppend) Type() string { return "input_audio_buffer.append" }

func NewInputAudioAppend(pcm []byte) *InputAudioAppend {
	return &InputAudioAppend{Audio: base64.StdEncoding.EncodeToString(pcm)}
}

type ResponseCancel struct {
	Header
}

func (ResponseCancel) Type() string { return "response.cancel" }

type OutputAudioClear struct {
	Header
}

func (OutputAudioClear) Type() string { return "output_audio_buffer.clear" }

type ResponseCreate struct {
	Header
}

func (ResponseCreate) Type() string { return "response.create" }

type ConversationItemCreate struct {
	Header
	Item conversationItem `json:"item"`
}

func (ConversationItemCreate) Type() string { return "conversation.item.create" }

type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// NewFunctionCallOutput reports the result of a tool call back to the
// service.
func NewFunctionCallOutput(callID, output string) *ConversationItemCreate {
	return &ConversationItemCreate{Item: conversationItem{
		Type:   "function_call_output",
		CallID: callID,
		Output: output,
	}}
}

func encodeClientEvent(event ClientEvent) ([]byte, error) {
	event.stamp(uuid.NewString(), event.Type())
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", event.Type(), err)
	}
	return data, nil
}

type serverEnvelope struct {
	Type string `json:"type"`
}

type responsePayload struct {
	Response struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"response"`
}

// decodeServerEvent parses an inbound message. Unknown message types decode
// to a nil event and a nil error.
func decodeServerEvent(data []byte) (events.Event, error) {
	var envelope serverEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &ProtocolError{Err: err}
	}
	if envelope.Type == "" {
		return nil, &ProtocolError{Err: fmt.Errorf("missing type")}
	}

	kind := events.Kind(envelope.Type)
	unmarshal := func(v any) error {
		if err := json.Unmarshal(data, v); err != nil {
			return &ProtocolError{Type: envelope.Type, Err: err}
		}
		return nil
	}

	switch kind {
	case events.KindSpeechStarted:
		var payload struct {
			ItemID       string `json:"item_id"`
			AudioStartMs int    `json:"audio_start_ms"`
		}
		if err := unmarshal(&payload); err != nil {
			return nil, err
		}
		return events.NewSpeechStarted(payload.ItemID, payload.AudioStartMs), nil

	case events.KindSpeechStopped:
		var payload struct {
			ItemID     string `json:"item_id"`
			AudioEndMs int    `json:"audio_end_ms"`
		}
		if err := unmarshal(&payload); err != nil {
			return nil, err
		}
		return events.NewSpeechStopped(payload.ItemID, payload.AudioEndMs), nil

	case events.KindUserTranscript:
		var payload struct {
			ItemID     string `json:"item_id"`
			Transcript string `json:"transcript"`
		}
		if err := unmarshal(&payload); err != nil {
			return nil, err
		}
		return events.NewUserTranscript(payload.ItemID, payload.Transcript), nil

	case events.KindResponseCreated:
		var payload responsePayload
		if err := unmarshal(&payload); err != nil {
			return nil, err
		}
		return events.NewResponseCreated(payload.Response.ID), nil

	case events.KindAudioDelta:
		var payload struct {
			ResponseID string `json:"response_id"`
			ItemID     string `json:"item_id"`
			Delta      string `json:"delta"`
		}
		if err := unmarshal(&payload); err != nil {
			return nil, err
		}
		audio, err := base64.StdEncoding.DecodeString(payload.Delta)
		if err != nil {
			return nil, &ProtocolError{Type: envelope.Type, Err: fmt.Errorf("invalid audio delta: %w", err)}
		}
		return events.NewAudioDelta(payload.ResponseID, payload.ItemID, audio), nil

	case events.KindTranscriptDelta:
		var payload struct {
			ResponseID string `json:"response_id"`
			Delta      string `json:"delta"`
		}
		if err := unmarshal(&payload); err != nil {
			return nil, err
		}
		return events.NewTranscriptDelta(payload.ResponseID, payload.Delta), nil

	case events.KindTranscriptDone:
		var payload struct {
			ResponseID string `json:"response_id"`
			Transcript string `json:"transcript"`
		}
		if err := unmarshal(&payload); err != nil {
			return nil, err
		}
		return events.NewTranscriptDone(payload.ResponseID, payload.Transcript), nil

	case events.KindFunctionCall:
		var payload struct {
			ResponseID string `json:"response_id"`
			CallID     string `json:"call_id"`
			Name       string `json:"name"`
			Arguments  string `json:"arguments"`
		}
		if err := unmarshal(&payload); err != nil {
			return nil, err
		}
		return events.NewFunctionCall(payload.ResponseID, payload.CallID, payload.Name, payload.Arguments), nil

	case events.KindResponseDone:
		var payload responsePayload
		if err := unmarshal(&payload); err != nil {
			return nil, err
		}
		return events.NewResponseDone(payload.Response.ID, payload.Response.Status), nil

	case events.KindError:
		var payload struct {
			Error struct {
				Type    string `json:"type"`
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := unmarshal(&payload); err != nil {
			return nil, err
		}
		return events.NewError(payload.Error.Type, payload.Error.Code, payload.Error.Message), nil
	}

	return nil, nil
}
