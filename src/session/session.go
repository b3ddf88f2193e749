// Package session implements the per-call protocol state machine bridging
// one AudioConnector connection to one voice agent.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/arnab-aionos/genesys-audio-connector-voiceai/src/agents"
	"github.com/arnab-aionos/genesys-audio-connector-voiceai/src/config"
	"github.com/arnab-aionos/genesys-audio-connector-voiceai/src/logger"
	"github.com/arnab-aionos/genesys-audio-connector-voiceai/src/protocol"
)

// State is the lifecycle state of a session.
type State int

const (
	StateCreated State = iota
	StateAwaitingAgent
	StateActive
	StateDisconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAwaitingAgent:
		return "awaiting_agent"
	case StateActive:
		return "active"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is the write side of the call-control transport. Satisfied by
// *websocket.Conn.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session owns one call-control connection and, after the open handshake,
// one voice agent. Text message handling runs on the connection's read
// goroutine; agent events arrive on the agent's receive goroutine and
// mutate state under the session lock.
type Session struct {
	cfg     *config.Config
	log     *logger.Logger
	ctx     context.Context
	conn    Conn
	writeMu sync.Mutex // protects concurrent transport writes

	factory  agents.Factory
	registry *HandlerRegistry
	dtmf     *DTMFCollector

	mu              sync.Mutex
	state           State
	serverSessionID string // fallback identity until the client id is latched
	clientSessionID string
	conversationID  string
	lastClientSeq   int
	lastServerSeq   int
	selectedMedia   *protocol.MediaParameter
	inputVariables  map[string]string
	isAudioPlaying  bool
	disconnecting   bool
	closed          bool

	audioBuf      [][]byte
	audioBufBytes int
	flushTimer    *time.Timer

	agent agents.VoiceAgent
}

// New creates a session for an already-authenticated connection.
func New(ctx context.Context, cfg *config.Config, conn Conn, factory agents.Factory) *Session {
	s := &Session{
		cfg:             cfg,
		ctx:             ctx,
		conn:            conn,
		factory:         factory,
		registry:        NewHandlerRegistry(),
		serverSessionID: uuid.NewString(),
		inputVariables:  map[string]string{},
		state:           StateCreated,
	}
	s.log = logger.WithPrefix("Session " + s.serverSessionID[:8])
	s.dtmf = NewDTMFCollector(cfg.DTMFCaptureTimeout, s.dtmfCaptured)
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ProcessTextMessage parses, validates and dispatches one inbound text
// frame. Protocol violations produce a single disconnect and no handler
// dispatch.
func (s *Session) ProcessTextMessage(raw []byte) {
	msg, err := protocol.ParseClientMessage(raw)
	if err != nil {
		s.log.Warn("Rejecting unparseable message: %v", err)
		s.SendDisconnect(protocol.DisconnectReasonError, "Failed to parse message", nil)
		return
	}

	if err := s.validateMessage(msg); err != nil {
		s.log.Warn("Protocol violation: %v", err)
		s.SendDisconnect(protocol.DisconnectReasonError, err.Error(), nil)
		return
	}

	handler := s.registry.Get(msg.Type)
	if handler == nil {
		s.log.Info("Ignoring unknown message type %q", msg.Type)
		return
	}

	if err := handler.HandleMessage(msg, s); err != nil {
		s.log.Error("Failed to handle %s message: %v", msg.Type, err)
		s.SendDisconnect(protocol.DisconnectReasonError, fmt.Sprintf("Failed to process %s message", msg.Type), nil)
	}
}

// validateMessage enforces the identity and sequencing invariants and, on
// success, records the new client sequence number.
func (s *Session) validateMessage(msg *protocol.ClientMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.clientSessionID == "" {
		s.clientSessionID = msg.ID
	} else if msg.ID != s.clientSessionID {
		return fmt.Errorf("session id mismatch: expected %s, got %s", s.clientSessionID, msg.ID)
	}

	if msg.Seq != s.lastClientSeq+1 {
		return fmt.Errorf("sequence number mismatch: expected %d, got %d", s.lastClientSeq+1, msg.Seq)
	}
	if msg.ServerSeq > s.lastServerSeq {
		return fmt.Errorf("server sequence ahead of sent: %d > %d", msg.ServerSeq, s.lastServerSeq)
	}

	s.lastClientSeq = msg.Seq
	return nil
}

// ProcessBinaryMessage forwards an inbound audio frame to the active voice
// agent. Frames are dropped while disconnecting, closed, capturing DTMF, or
// before the agent exists; these are expected races, not failures.
func (s *Session) ProcessBinaryMessage(data []byte) {
	s.mu.Lock()
	if s.disconnecting || s.closed {
		s.mu.Unlock()
		return
	}
	agent := s.agent
	s.mu.Unlock()

	if s.dtmf.Active() {
		s.log.Debug("Dropping audio frame during DTMF capture")
		return
	}
	if agent == nil {
		s.log.Debug("Dropping audio frame, voice agent not ready")
		return
	}
	agent.ProcessAudio(data)
}

// CreateMessage builds an outbound envelope. This is the only place server
// sequence numbers are generated.
func (s *Session) CreateMessage(msgType string, params interface{}) *protocol.ServerMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastServerSeq++
	id := s.clientSessionID
	if id == "" {
		id = s.serverSessionID
	}
	return &protocol.ServerMessage{
		ID:         id,
		Version:    protocol.Version,
		Seq:        s.lastServerSeq,
		ClientSeq:  s.lastClientSeq,
		Type:       msgType,
		Parameters: params,
	}
}

// Send writes a server message as a text frame. No-op once closed.
func (s *Session) Send(msg *protocol.ServerMessage) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}

	data, err := msg.Encode()
	if err != nil {
		s.log.Error("Failed to encode %s message: %v", msg.Type, err)
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) sendEvent(entities ...protocol.EventEntity) {
	msg := s.CreateMessage(protocol.TypeEvent, protocol.EventParameters{Entities: entities})
	if err := s.Send(msg); err != nil {
		s.log.Warn("Failed to send event: %v", err)
	}
}

// SendAudio appends outbound audio to the ordered buffer. Once the buffered
// total reaches the configured minimum it is flushed immediately; otherwise
// a bounded delay flush keeps latency in check.
func (s *Session) SendAudio(data []byte) {
	if len(data) == 0 {
		return
	}

	s.mu.Lock()
	if s.disconnecting || s.closed {
		s.mu.Unlock()
		return
	}

	s.audioBuf = append(s.audioBuf, data)
	s.audioBufBytes += len(data)

	if s.audioBufBytes >= s.cfg.MinBinaryMessageSize {
		s.flushAndSendLocked()
		return
	}
	if s.flushTimer == nil {
		s.flushTimer = time.AfterFunc(s.cfg.AudioBufferFlushDelay, s.flushTimerExpired)
	}
	s.mu.Unlock()
}

// FlushAudioBuffer forces out any buffered audio regardless of the minimum.
func (s *Session) FlushAudioBuffer() {
	s.mu.Lock()
	if s.audioBufBytes == 0 || s.closed {
		s.mu.Unlock()
		return
	}
	s.flushAndSendLocked()
}

func (s *Session) flushTimerExpired() {
	s.mu.Lock()
	s.flushTimer = nil
	if s.audioBufBytes == 0 || s.disconnecting || s.closed {
		s.mu.Unlock()
		return
	}
	s.flushAndSendLocked()
}

// flushAndSendLocked concatenates and clears the buffer, then writes it as
// chunks no larger than the configured maximum. Called with mu held;
// releases it. The write lock is taken before mu is released so concurrent
// flushes cannot reorder chunks.
func (s *Session) flushAndSendLocked() {
	total := make([]byte, 0, s.audioBufBytes)
	for _, chunk := range s.audioBuf {
		total = append(total, chunk...)
	}
	s.clearAudioBufferLocked()

	s.writeMu.Lock()
	s.mu.Unlock()
	defer s.writeMu.Unlock()

	maxSize := s.cfg.MaxBinaryMessageSize
	for len(total) > 0 {
		n := len(total)
		if n > maxSize {
			n = maxSize
		}
		if err := s.conn.WriteMessage(websocket.BinaryMessage, total[:n]); err != nil {
			s.log.Warn("Failed to send audio frame: %v", err)
			return
		}
		total = total[n:]
	}
}

// clearAudioBufferLocked drops buffered audio and any pending flush.
func (s *Session) clearAudioBufferLocked() {
	s.audioBuf = nil
	s.audioBufBytes = 0
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
}

// SendBargeIn discards pending playback and emits a barge_in event. The
// buffer clear always precedes the event: the caller must never hear audio
// that is stale relative to a detected interruption.
func (s *Session) SendBargeIn() {
	s.mu.Lock()
	dropped := s.audioBufBytes
	s.clearAudioBufferLocked()
	s.mu.Unlock()

	s.log.Info("Barge-in: dropped %d buffered bytes", dropped)
	s.sendEvent(protocol.NewBargeInEntity())
}

// SendTranscript emits a transcript event entity. Requires negotiated
// media; otherwise logged and dropped.
func (s *Session) SendTranscript(text string, confidence float64, isFinal bool) {
	if s.SelectedMedia() == nil {
		s.log.Warn("Dropping transcript, no media negotiated yet")
		return
	}
	s.sendEvent(protocol.NewTranscriptEntity(text, confidence, isFinal))
}

// SendBotTurnResponse emits a bot_turn_response event entity.
func (s *Session) SendBotTurnResponse(text string) {
	if s.SelectedMedia() == nil {
		s.log.Warn("Dropping bot turn response, no media negotiated yet")
		return
	}
	s.sendEvent(protocol.NewBotTurnResponseEntity(text))
}

// SendKeepAlive answers a ping with a pong and pings the upstream agent.
func (s *Session) SendKeepAlive() {
	if err := s.Send(s.CreateMessage(protocol.TypePong, protocol.EmptyParameters{})); err != nil {
		s.log.Warn("Failed to send pong: %v", err)
	}

	s.mu.Lock()
	agent := s.agent
	s.mu.Unlock()
	if agent != nil {
		agent.SendKeepAlive()
	}
}

// SendDisconnect emits a terminal disconnect message. Idempotent; the first
// caller wins. The transport stays open until its close event triggers
// Close.
func (s *Session) SendDisconnect(reason, info string, outputVariables map[string]string) {
	s.mu.Lock()
	if s.disconnecting || s.closed {
		s.mu.Unlock()
		return
	}
	s.disconnecting = true
	s.state = StateDisconnecting
	s.clearAudioBufferLocked()
	s.mu.Unlock()

	if outputVariables == nil {
		outputVariables = map[string]string{}
	}
	s.log.Info("Disconnecting (%s): %s", reason, info)
	msg := s.CreateMessage(protocol.TypeDisconnect, protocol.DisconnectParameters{
		Reason:          reason,
		Info:            info,
		OutputVariables: outputVariables,
	})
	if err := s.Send(msg); err != nil {
		s.log.Warn("Failed to send disconnect: %v", err)
	}
}

// Close releases the voice agent first, then the transport. Idempotent and
// tolerant of partial teardown failures.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = StateClosed
	s.clearAudioBufferLocked()
	agent := s.agent
	s.agent = nil
	s.mu.Unlock()

	s.dtmf.Discard()
	if agent != nil {
		agent.Close()
	}
	if err := s.conn.Close(); err != nil {
		s.log.Debug("Transport close: %v", err)
	}
	s.log.Info("Session closed")
}

// InitializeVoiceAgent constructs the voice agent via the factory.
// Idempotent; construction failure is surfaced to the peer as a disconnect.
func (s *Session) InitializeVoiceAgent() {
	s.mu.Lock()
	if s.agent != nil || s.disconnecting || s.closed {
		s.mu.Unlock()
		return
	}
	s.state = StateAwaitingAgent
	provider := s.cfg.AgentProvider
	s.mu.Unlock()

	agent, err := s.factory(s.ctx, provider, s.cfg, s)
	if err != nil {
		s.log.Error("Voice agent initialization failed: %v", err)
		s.SendDisconnect(protocol.DisconnectReasonError, "Failed to initialize AI service", map[string]string{})
		return
	}

	s.mu.Lock()
	if s.disconnecting || s.closed {
		s.mu.Unlock()
		agent.Close()
		return
	}
	s.agent = agent
	s.state = StateActive
	s.mu.Unlock()
	s.log.Info("Voice agent %q active", provider)
}

// PlaybackCompleted clears the playing flag and delegates to the agent's
// playback-completed hook.
func (s *Session) PlaybackCompleted() {
	s.mu.Lock()
	s.isAudioPlaying = false
	agent := s.agent
	s.mu.Unlock()

	if agent != nil {
		agent.ProcessPlaybackCompleted()
	}
}

// ProcessDTMF routes one digit to the capture collector. Digits are ignored
// while disconnecting or closed, and discarded while audio is playing: DTMF
// and spoken playback are mutually exclusive.
func (s *Session) ProcessDTMF(digit string) {
	s.mu.Lock()
	if s.disconnecting || s.closed {
		s.mu.Unlock()
		return
	}
	playing := s.isAudioPlaying
	s.mu.Unlock()

	if playing {
		s.dtmf.Discard()
		s.log.Debug("Ignoring DTMF digit during playback")
		return
	}
	s.dtmf.Digit(digit)
}

// dtmfCaptured converts a completed capture into a synthetic final
// transcript.
func (s *Session) dtmfCaptured(digits string) {
	s.log.Info("DTMF capture complete (%d digits)", len(digits))
	s.SendTranscript(digits, 1.0, true)
}

// completeHandshake records the identity negotiated by the open message.
// Set exactly once.
func (s *Session) completeHandshake(conversationID string, media protocol.MediaParameter, inputVariables map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationID = conversationID
	s.selectedMedia = &media
	if inputVariables != nil {
		s.inputVariables = inputVariables
	}
}

// IsAudioPlaying reports whether agent playback is in progress.
func (s *Session) IsAudioPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isAudioPlaying
}

// SetAudioPlaying updates the playback flag. Starting playback discards any
// in-progress DTMF capture so it cannot complete mid-playback or keep
// suppressing inbound audio.
func (s *Session) SetAudioPlaying(playing bool) {
	s.mu.Lock()
	started := playing && !s.isAudioPlaying
	s.isAudioPlaying = playing
	s.mu.Unlock()

	if started {
		s.dtmf.Discard()
	}
}

// SelectedMedia returns the negotiated media, or nil before the handshake.
func (s *Session) SelectedMedia() *protocol.MediaParameter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedMedia
}

// InputVariables returns the opaque variables supplied at open time.
func (s *Session) InputVariables() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputVariables
}

// ConversationID returns the call-control conversation identity.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}
