package protocol

import "encoding/json"

// Event entity types carried inside "event" message parameters.
const (
	EntityTranscript      = "transcript"
	EntityBargeIn         = "barge_in"
	EntityBotTurnResponse = "bot_turn_response"
)

// EventParameters is the payload of an "event" message.
type EventParameters struct {
	Entities []EventEntity `json:"entities"`
}

// EventEntity is a tagged event payload. Data shape depends on Type;
// unknown types pass through untouched for forward compatibility.
type EventEntity struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// TranscriptData is the payload of a transcript entity.
type TranscriptData struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	IsFinal    bool    `json:"isFinal"`
}

// BotTurnResponseData is the payload of a bot_turn_response entity.
type BotTurnResponseData struct {
	Text string `json:"text,omitempty"`
}

// NewTranscriptEntity builds a transcript event entity.
func NewTranscriptEntity(text string, confidence float64, isFinal bool) EventEntity {
	data, _ := json.Marshal(TranscriptData{Text: text, Confidence: confidence, IsFinal: isFinal})
	return EventEntity{Type: EntityTranscript, Data: data}
}

// NewBargeInEntity builds a barge_in event entity.
func NewBargeInEntity() EventEntity {
	return EventEntity{Type: EntityBargeIn}
}

// NewBotTurnResponseEntity builds a bot_turn_response event entity.
func NewBotTurnResponseEntity(text string) EventEntity {
	data, _ := json.Marshal(BotTurnResponseData{Text: text})
	return EventEntity{Type: EntityBotTurnResponse, Data: data}
}

// Transcript decodes the entity data as a transcript payload. Returns
// false if the entity is not a transcript.
func (e EventEntity) Transcript() (*TranscriptData, bool) {
	if e.Type != EntityTranscript {
		return nil, false
	}
	var data TranscriptData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, false
	}
	return &data, true
}
