// Package events defines the typed inbound events of a dialogue session.
//
// Kinds are the wire event names used by the realtime dialogue service:
//
//   - SpeechStarted (input_audio_buffer.speech_started): the service detected
//     the user starting to speak. Drives barge-in.
//   - SpeechStopped (input_audio_buffer.speech_stopped): the user stopped
//     speaking.
//   - UserTranscript (conversation.item.input_audio_transcription.completed):
//     final transcript of the user's utterance.
//   - ResponseCreated (response.created): the service opened a response.
//   - AudioDelta (response.audio.delta): a chunk of response audio.
//   - TranscriptDelta (response.audio_transcript.delta): append-only
//     transcript segment of the response audio.
//   - TranscriptDone (response.audio_transcript.done): full transcript of the
//     response audio.
//   - FunctionCall (response.function_call_arguments.done): the response asks
//     for a tool to be run.
//   - ResponseDone (response.done): the response finished, was cancelled or
//     failed.
//   - Error (error): the service reported an error.
package events
