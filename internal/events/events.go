// Package events codes the subset of realtime data-channel traffic the client
// reacts to. Anything else passes through with its raw payload attached.
package events

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

type Type string

// Server event types the session screen consumes.
const (
	TypeError           Type = "error"
	TypeSessionCreated  Type = "session.created"
	TypeSessionUpdated  Type = "session.updated"
	TypeSpeechStarted   Type = "input_audio_buffer.speech_started"
	TypeSpeechStopped   Type = "input_audio_buffer.speech_stopped"
	TypeTranscriptDelta Type = "response.output_audio_transcript.delta"
	TypeTranscriptDone  Type = "response.output_audio_transcript.done"
	TypeResponseDone    Type = "response.done"
)

// Client event types.
const (
	TypeResponseCreate Type = "response.create"
	TypeSessionUpdate  Type = "session.update"
)

type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Event struct {
	EventID    string       `json:"event_id"`
	Type       Type         `json:"type"`
	Delta      string       `json:"delta,omitempty"`
	Transcript string       `json:"transcript,omitempty"`
	ItemID     string       `json:"item_id,omitempty"`
	Error      *ErrorDetail `json:"error,omitempty"`

	// Raw keeps the full payload for event types this package does not map.
	Raw []byte `json:"-"`
}

// Parse decodes a data-channel message. Unknown types are not an error; the
// caller can inspect Raw.
func Parse(data []byte) (*Event, error) {
	event := new(Event)
	if err := sonic.Unmarshal(data, event); err != nil {
		return nil, fmt.Errorf("unmarshaling event: %w", err)
	}
	if event.Type == "" {
		return nil, errors.New("event has no type")
	}
	event.Raw = append([]byte(nil), data...)
	return event, nil
}

func (e *Event) Known() bool {
	switch e.Type {
	case TypeError, TypeSessionCreated, TypeSessionUpdated,
		TypeSpeechStarted, TypeSpeechStopped,
		TypeTranscriptDelta, TypeTranscriptDone, TypeResponseDone:
		return true
	}
	return false
}

// ResponseCreate builds the client event that kicks off the assistant's first
// turn once the data channel opens.
func ResponseCreate(instructions string, maxOutputTokens int) ([]byte, error) {
	msg := map[string]any{
		"type": string(TypeResponseCreate),
		"response": map[string]any{
			"instructions":      instructions,
			"max_output_tokens": maxOutputTokens,
		},
	}
	out, err := sonic.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling response.create: %w", err)
	}
	return out, nil
}
