package events

import "time"

const (
	KindSpeechStarted   Kind = "input_audio_buffer.speech_started"
	KindSpeechStopped   Kind = "input_audio_buffer.speech_stopped"
	KindUserTranscript  Kind = "conversation.item.input_audio_transcription.completed"
	KindResponseCreated Kind = "response.created"
	KindAudioDelta      Kind = "response.audio.delta"
	KindTranscriptDelta Kind = "response.audio_transcript.delta"
	KindTranscriptDone  Kind = "response.audio_transcript.done"
	KindFunctionCall    Kind = "response.function_call_arguments.done"
	KindResponseDone    Kind = "response.done"
	KindError           Kind = "error"
)

type SpeechStarted struct {
	Base
	ItemID       string
	AudioStartMs int
}

func NewSpeechStarted(itemID string, audioStartMs int) SpeechStarted {
	return SpeechStarted{Base: NewBase(KindSpeechStarted), ItemID: itemID, AudioStartMs: audioStartMs}
}

type SpeechStopped struct {
	Base
	ItemID     string
	AudioEndMs int
}

func NewSpeechStopped(itemID string, audioEndMs int) SpeechStopped {
	return SpeechStopped{Base: NewBase(KindSpeechStopped), ItemID: itemID, AudioEndMs: audioEndMs}
}

type UserTranscript struct {
	Base
	ItemID     string
	Transcript string
}

func NewUserTranscript(itemID, transcript string) UserTranscript {
	return UserTranscript{Base: NewBase(KindUserTranscript), ItemID: itemID, Transcript: transcript}
}

type ResponseCreated struct {
	Base
	ResponseID string
}

func NewResponseCreated(responseID string) ResponseCreated {
	return ResponseCreated{Base: NewBase(KindResponseCreated), ResponseID: responseID}
}

// AudioDelta carries decoded linear16 audio.
type AudioDelta struct {
	Base
	ResponseID string
	ItemID     string
	Audio      []byte
}

func NewAudioDelta(responseID, itemID string, audio []byte) AudioDelta {
	return AudioDelta{Base: NewBase(KindAudioDelta), ResponseID: responseID, ItemID: itemID, Audio: audio}
}

func (e AudioDelta) Response() string { return e.ResponseID }

type TranscriptDelta struct {
	Base
	ResponseID string
	Delta      string
}

func NewTranscriptDelta(responseID, delta string) TranscriptDelta {
	return TranscriptDelta{Base: NewBase(KindTranscriptDelta), ResponseID: responseID, Delta: delta}
}

func (e TranscriptDelta) Response() string { return e.ResponseID }

type TranscriptDone struct {
	Base
	ResponseID string
	Transcript string
}

func NewTranscriptDone(responseID, transcript string) TranscriptDone {
	return TranscriptDone{Base: NewBase(KindTranscriptDone), ResponseID: responseID, Transcript: transcript}
}

func (e TranscriptDone) Response() string { return e.ResponseID }

type FunctionCall struct {
	Base
	ResponseID string
	CallID     string
	Name       string
	Arguments  string
}

func NewFunctionCall(responseID, callID, name, arguments string) FunctionCall {
	return FunctionCall{
		Base:       NewBase(KindFunctionCall),
		ResponseID: responseID,
		CallID:     callID,
		Name:       name,
		Arguments:  arguments,
	}
}

func (e FunctionCall) Response() string { return e.ResponseID }

type ResponseDone struct {
	Base
	ResponseID string
	// Status is completed, cancelled, incomplete or failed.
	Status string
}

func NewResponseDone(responseID, status string) ResponseDone {
	return ResponseDone{Base: NewBase(KindResponseDone), ResponseID: responseID, Status: status}
}

type Error struct {
	Base
	Type    string
	Code    string
	Message string
}

func NewError(errType, code, message string) Error {
	return Error{Base: NewBase(KindError), Type: errType, Code: code, Message: message}
}

// ErrorCodeCancelNotActive is returned by the service when a cancel arrives
// after the response already ended. Expected after barge-in.
const ErrorCodeCancelNotActive = "response_cancel_not_active"

// Stamp returns a copy of the event received at the given time.
func Stamp(event Event, at time.Time) Event {
	switch e := event.(type) {
	case SpeechStarted:
		e.receivedAt = at
		return e
	case SpeechStopped:
		e.receivedAt = at
		return e
	case UserTranscript:
		e.receivedAt = at
		return e
	case ResponseCreated:
		e.receivedAt = at
		return e
	case AudioDelta:
		e.receivedAt = at
		return e
	case TranscriptDelta:
		e.receivedAt = at
		return e
	case TranscriptDone:
		e.receivedAt = at
		return e
	case FunctionCall:
		e.receivedAt = at
		return e
	case ResponseDone:
		e.receivedAt = at
		return e
	case Error:
		e.receivedAt = at
		return e
	}
	return event
}
