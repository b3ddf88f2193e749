package session

import (
	"fmt"

	"github.com/arnab-aionos/genesys-audio-connector-voiceai/src/logger"
	"github.com/arnab-aionos/genesys-audio-connector-voiceai/src/protocol"
)

// MessageHandler processes one validated inbound message type.
type MessageHandler interface {
	HandleMessage(msg *protocol.ClientMessage, s *Session) error
}

// HandlerRegistry maps message types to their handlers.
type HandlerRegistry struct {
	handlers map[string]MessageHandler
}

// NewHandlerRegistry builds the registry with every supported client
// message type wired.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: map[string]MessageHandler{
			protocol.TypeOpen:              &openHandler{},
			protocol.TypePing:              &pingHandler{},
			protocol.TypePlaybackCompleted: &playbackCompletedHandler{},
			protocol.TypeClose:             &closeHandler{},
			protocol.TypeDTMF:              &dtmfHandler{},
			protocol.TypeError:             &errorHandler{},
		},
	}
}

// Get returns the handler for a message type, or nil when unsupported.
func (r *HandlerRegistry) Get(msgType string) MessageHandler {
	return r.handlers[msgType]
}

// openHandler negotiates media, acknowledges with an opened message, and
// only then starts the upstream voice agent. The opened response must reach
// the peer before any upstream call begins so the client can start
// streaming audio while the agent connects.
type openHandler struct{}

func (h *openHandler) HandleMessage(msg *protocol.ClientMessage, s *Session) error {
	params, err := msg.OpenParameters()
	if err != nil {
		return fmt.Errorf("invalid open parameters: %w", err)
	}

	var selected *protocol.MediaParameter
	for i := range params.Media {
		if params.Media[i].Supported() {
			selected = &params.Media[i]
			break
		}
	}
	if selected == nil {
		logger.Warn("[Open] No supported media in offer (%d entries)", len(params.Media))
		s.SendDisconnect(protocol.DisconnectReasonError, "No supported media type was found.", nil)
		return nil
	}

	s.completeHandshake(params.ConversationID, *selected, params.InputVariables)

	opened := s.CreateMessage(protocol.TypeOpened, protocol.OpenedParameters{
		StartPaused: false,
		Media:       []protocol.MediaParameter{*selected},
	})
	if err := s.Send(opened); err != nil {
		return fmt.Errorf("failed to send opened: %w", err)
	}

	// Agent construction can wait on the upstream connect timeout; it must
	// not stall the read loop, which still has pings and violations to
	// answer in the meantime.
	go s.InitializeVoiceAgent()
	return nil
}

type pingHandler struct{}

func (h *pingHandler) HandleMessage(msg *protocol.ClientMessage, s *Session) error {
	s.SendKeepAlive()
	return nil
}

type playbackCompletedHandler struct{}

func (h *playbackCompletedHandler) HandleMessage(msg *protocol.ClientMessage, s *Session) error {
	s.PlaybackCompleted()
	return nil
}

// closeHandler acknowledges the peer-initiated close and tears the session
// down. The closed reply goes out before teardown so it is written while
// the transport is still usable.
type closeHandler struct{}

func (h *closeHandler) HandleMessage(msg *protocol.ClientMessage, s *Session) error {
	closed := s.CreateMessage(protocol.TypeClosed, protocol.EmptyParameters{})
	if err := s.Send(closed); err != nil {
		logger.Warn("[Close] Failed to send closed reply: %v", err)
	}
	s.Close()
	return nil
}

type dtmfHandler struct{}

func (h *dtmfHandler) HandleMessage(msg *protocol.ClientMessage, s *Session) error {
	params, err := msg.DTMFParameters()
	if err != nil {
		return fmt.Errorf("invalid dtmf parameters: %w", err)
	}
	s.ProcessDTMF(params.Digit)
	return nil
}

// errorHandler logs the peer-reported failure. The peer decides whether the
// condition is fatal; a disconnect follows separately if so.
type errorHandler struct{}

func (h *errorHandler) HandleMessage(msg *protocol.ClientMessage, s *Session) error {
	params, err := msg.ErrorParameters()
	if err != nil {
		return fmt.Errorf("invalid error parameters: %w", err)
	}
	logger.Error("[Peer] code=%d %s", params.Code, params.Message)
	return nil
}
