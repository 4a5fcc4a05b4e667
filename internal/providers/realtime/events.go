package realtime

import (
	"encoding/base64"
	"encoding/json"
)

// Client event types, recorded in the diagnostics ring as sent.
const (
	EventSessionUpdate    = "session.update"
	EventInputAudioAppend = "input_audio_buffer.append"
	EventInputAudioCommit = "input_audio_buffer.commit"
	EventItemCreate       = "conversation.item.create"
	EventResponseCreate   = "response.create"
)

// ServerEvent is one frame from the remote API. Control frames carry Type and
// Raw JSON; audio relayed as a binary frame carries Binary with empty Type.
type ServerEvent struct {
	Type   string
	Raw    json.RawMessage
	Binary []byte
}

func parseServerEvent(data []byte) (*ServerEvent, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}
	return &ServerEvent{Type: head.Type, Raw: json.RawMessage(data)}, nil
}

// IsConfigAck reports whether this event acknowledges our configuration
// message. The bridge holds all client audio until it sees one.
func (e *ServerEvent) IsConfigAck() bool {
	return e.Type == "session.updated"
}

func (e *ServerEvent) IsError() bool {
	return e.Type == "error"
}

func (e *ServerEvent) ErrorMessage() string {
	var body struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(e.Raw, &body); err != nil {
		return ""
	}
	return body.Error.Message
}

// AudioDelta returns decoded output audio, from either a binary frame or a
// base64 response.audio.delta event.
func (e *ServerEvent) AudioDelta() ([]byte, bool) {
	if len(e.Binary) > 0 {
		return e.Binary, true
	}
	if e.Type != "response.audio.delta" {
		return nil, false
	}
	var body struct {
		Delta string `json:"delta"`
	}
	if err := json.Unmarshal(e.Raw, &body); err != nil {
		return nil, false
	}
	pcm, err := base64.StdEncoding.DecodeString(body.Delta)
	if err != nil {
		return nil, false
	}
	return pcm, true
}

// TranscriptTurn extracts a completed transcript line, if this event carries
// one. User speech and assistant speech arrive as different event types.
func (e *ServerEvent) TranscriptTurn() (role, text string, ok bool) {
	switch e.Type {
	case "conversation.item.input_audio_transcription.completed":
		role = "user"
	case "response.audio_transcript.done":
		role = "assistant"
	default:
		return "", "", false
	}
	var body struct {
		Transcript string `json:"transcript"`
	}
	if err := json.Unmarshal(e.Raw, &body); err != nil {
		return "", "", false
	}
	if body.Transcript == "" {
		return "", "", false
	}
	return role, body.Transcript, true
}
