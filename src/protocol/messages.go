// Package protocol defines the AudioConnector call-control wire format:
// JSON text frames carrying a versioned, sequence-numbered envelope, and
// raw binary frames carrying negotiated audio.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the only protocol version this server speaks.
const Version = "2"

// Client message types
const (
	TypeOpen              = "open"
	TypePing              = "ping"
	TypePlaybackCompleted = "playbackCompleted"
	TypeClose             = "close"
	TypeDTMF              = "dtmf"
	TypeError             = "error"
)

// Server message types
const (
	TypeOpened     = "opened"
	TypePong       = "pong"
	TypeEvent      = "event"
	TypeDisconnect = "disconnect"
	TypeClosed     = "closed"
)

// Disconnect reasons
const (
	DisconnectReasonError     = "error"
	DisconnectReasonCompleted = "completed"
)

// Supported call-control media format
const (
	MediaFormatPCMU = "PCMU"
	MediaRate       = 8000
)

// ClientMessage is a text frame received from the call-control peer.
// Parameters stay raw until the handler for the type decodes them.
type ClientMessage struct {
	ID         string          `json:"id"`
	Version    string          `json:"version"`
	Seq        int             `json:"seq"`
	ServerSeq  int             `json:"serverseq"`
	Type       string          `json:"type"`
	Parameters json.RawMessage `json:"parameters"`
}

// ServerMessage is a text frame sent to the call-control peer.
type ServerMessage struct {
	ID         string      `json:"id"`
	Version    string      `json:"version"`
	Seq        int         `json:"seq"`
	ClientSeq  int         `json:"clientseq"`
	Type       string      `json:"type"`
	Parameters interface{} `json:"parameters"`
}

// MediaParameter describes one offered or selected media stream.
type MediaParameter struct {
	Type     string   `json:"type,omitempty"`
	Format   string   `json:"format"`
	Rate     int      `json:"rate"`
	Channels []string `json:"channels,omitempty"`
}

// Supported reports whether this media entry can be bridged.
func (m MediaParameter) Supported() bool {
	return m.Format == MediaFormatPCMU && m.Rate == MediaRate
}

// OpenParameters is the payload of an "open" message.
type OpenParameters struct {
	ConversationID string            `json:"conversationId"`
	OrganizationID string            `json:"organizationId,omitempty"`
	Media          []MediaParameter  `json:"media"`
	InputVariables map[string]string `json:"inputVariables,omitempty"`
}

// OpenedParameters is the payload of an "opened" response, echoing the
// selected media.
type OpenedParameters struct {
	StartPaused bool             `json:"startPaused"`
	Media       []MediaParameter `json:"media"`
}

// DisconnectParameters is the payload of a "disconnect" message.
type DisconnectParameters struct {
	Reason          string            `json:"reason"`
	Info            string            `json:"info,omitempty"`
	OutputVariables map[string]string `json:"outputVariables"`
}

// CloseParameters is the payload of a client "close" message.
type CloseParameters struct {
	Reason string `json:"reason,omitempty"`
}

// DTMFParameters is the payload of a "dtmf" message.
type DTMFParameters struct {
	Digit string `json:"digit"`
}

// ErrorParameters is the payload of a client "error" message.
type ErrorParameters struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// EmptyParameters is used for messages whose parameters carry no fields
// (ping, pong, playbackCompleted, closed).
type EmptyParameters struct{}

// ParseClientMessage decodes a text frame into a ClientMessage.
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse client message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("client message missing type")
	}
	return &msg, nil
}

// OpenParameters decodes the message parameters as an open payload.
func (m *ClientMessage) OpenParameters() (*OpenParameters, error) {
	var params OpenParameters
	if err := json.Unmarshal(m.Parameters, &params); err != nil {
		return nil, fmt.Errorf("failed to parse open parameters: %w", err)
	}
	return &params, nil
}

// DTMFParameters decodes the message parameters as a dtmf payload.
func (m *ClientMessage) DTMFParameters() (*DTMFParameters, error) {
	var params DTMFParameters
	if err := json.Unmarshal(m.Parameters, &params); err != nil {
		return nil, fmt.Errorf("failed to parse dtmf parameters: %w", err)
	}
	return &params, nil
}

// ErrorParameters decodes the message parameters as an error payload.
func (m *ClientMessage) ErrorParameters() (*ErrorParameters, error) {
	var params ErrorParameters
	if err := json.Unmarshal(m.Parameters, &params); err != nil {
		return nil, fmt.Errorf("failed to parse error parameters: %w", err)
	}
	return &params, nil
}

// Encode serializes a server message for the wire.
func (m *ServerMessage) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s message: %w", m.Type, err)
	}
	return data, nil
}
