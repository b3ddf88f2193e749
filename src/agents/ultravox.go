package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/arnab-aionos/genesys-audio-connector-voiceai/src/audio"
	"github.com/arnab-aionos/genesys-audio-connector-voiceai/src/config"
	"github.com/arnab-aionos/genesys-audio-connector-voiceai/src/logger"
	"github.com/arnab-aionos/genesys-audio-connector-voiceai/src/timer"
)

// Upstream data message types on the UltraVox media socket
const (
	ultravoxTranscript           = "transcript"
	ultravoxUserStartedSpeaking  = "user_started_speaking"
	ultravoxUserStoppedSpeaking  = "user_stopped_speaking"
	ultravoxAgentStartedSpeaking = "agent_started_speaking"
	ultravoxAgentStoppedSpeaking = "agent_stopped_speaking"
	ultravoxCallEnded            = "call_ended"
	ultravoxError                = "error"
	ultravoxPing                 = "ping"
	ultravoxUserMessage          = "user_message"
)

const noInputPromptText = "The user has been silent for a while. Gently prompt them to continue the conversation."

// UltravoxAgent bridges one call to the UltraVox voice-AI backend: it
// creates the upstream call over HTTP, joins its media WebSocket, and
// streams transcoded audio in both directions.
type UltravoxAgent struct {
	cfg  *config.Config
	sess Session
	log  *logger.Logger

	httpClient *http.Client
	callID     string
	joinURL    string

	conn   *websocket.Conn
	connMu sync.Mutex // protects concurrent WebSocket writes

	inputMu  sync.Mutex
	inputBuf []byte // accumulates upstream-rate PCM before sending

	noInput *timer.Timer
	closed  atomic.Bool
}

type ultravoxCallRequest struct {
	SystemPrompt  string         `json:"systemPrompt"`
	Model         string         `json:"model"`
	Voice         string         `json:"voice"`
	Temperature   float64        `json:"temperature"`
	FirstSpeaker  string         `json:"firstSpeaker"`
	Medium        ultravoxMedium `json:"medium"`
	SelectedTools []interface{}  `json:"selectedTools"`
}

type ultravoxMedium struct {
	ServerWebSocket ultravoxWebSocketMedium `json:"serverWebSocket"`
}

type ultravoxWebSocketMedium struct {
	InputSampleRate    int `json:"inputSampleRate"`
	OutputSampleRate   int `json:"outputSampleRate"`
	ClientBufferSizeMs int `json:"clientBufferSizeMs"`
}

type ultravoxCallResponse struct {
	CallID  string `json:"callId"`
	JoinURL string `json:"joinUrl"`
}

type ultravoxDataMessage struct {
	Type       string  `json:"type"`
	Role       string  `json:"role,omitempty"`
	Text       string  `json:"text,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Final      bool    `json:"final,omitempty"`
	Message    string  `json:"message,omitempty"`
}

// NewUltravoxAgent creates the upstream call and connects its media socket.
// Failure at either step is terminal for the call; the caller surfaces it to
// the telephony peer.
func NewUltravoxAgent(ctx context.Context, cfg *config.Config, sess Session) (*UltravoxAgent, error) {
	if cfg.UltravoxAPIKey == "" {
		return nil, fmt.Errorf("ULTRAVOX_API_KEY is not configured")
	}

	a := &UltravoxAgent{
		cfg:        cfg,
		sess:       sess,
		log:        logger.WithPrefix("Ultravox"),
		httpClient: &http.Client{Timeout: cfg.UpstreamConnectTimeout},
	}
	a.noInput = timer.New(cfg.NoInputTimeout, a.handleNoInput)

	connectCtx, cancel := context.WithTimeout(ctx, cfg.UpstreamConnectTimeout)
	defer cancel()

	if err := a.createCall(connectCtx); err != nil {
		return nil, fmt.Errorf("ultravox call creation failed: %w", err)
	}
	if err := a.connectMedia(connectCtx); err != nil {
		return nil, fmt.Errorf("ultravox media connection failed: %w", err)
	}

	go a.receiveLoop()

	a.log.Info("Connected to call %s", a.callID)
	return a, nil
}

func (a *UltravoxAgent) createCall(ctx context.Context) error {
	req := ultravoxCallRequest{
		SystemPrompt: RenderPrompt(a.cfg.SystemPromptTemplate, a.sess.InputVariables()),
		Model:        a.cfg.UltravoxModel,
		Voice:        a.cfg.UltravoxVoice,
		Temperature:  a.cfg.UltravoxTemperature,
		FirstSpeaker: a.cfg.UltravoxFirstSpeaker,
		Medium: ultravoxMedium{
			ServerWebSocket: ultravoxWebSocketMedium{
				InputSampleRate:    a.cfg.UltravoxInputSampleRate,
				OutputSampleRate:   a.cfg.UltravoxOutputSampleRate,
				ClientBufferSizeMs: 60,
			},
		},
		SelectedTools: []interface{}{},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.UltravoxAPIURL+"/api/calls", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", a.cfg.UltravoxAPIKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("call creation returned status %d: %s", resp.StatusCode, detail)
	}

	var callResp ultravoxCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&callResp); err != nil {
		return fmt.Errorf("failed to decode call response: %w", err)
	}
	if callResp.JoinURL == "" {
		return fmt.Errorf("call response missing joinUrl")
	}

	a.callID = callResp.CallID
	a.joinURL = callResp.JoinURL
	return nil
}

func (a *UltravoxAgent) connectMedia(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.joinURL, nil)
	if err != nil {
		return err
	}
	a.conn = conn
	return nil
}

func (a *UltravoxAgent) isConnected() bool {
	return a.conn != nil && !a.closed.Load()
}

// ProcessAudio transcodes telephony mulaw to upstream-rate PCM and forwards
// it once enough has accumulated to be worth a frame.
func (a *UltravoxAgent) ProcessAudio(data []byte) {
	if !a.isConnected() {
		return
	}

	pcm := audio.MulawToPCM(data)
	pcm = audio.Resample(pcm, telephonySampleRate, a.cfg.UltravoxInputSampleRate)
	chunk := audio.PCMToBytes(pcm)

	// Accumulate roughly 100ms before sending to avoid tiny frames
	minSend := a.cfg.UltravoxInputSampleRate / 10 * 2

	a.inputMu.Lock()
	a.inputBuf = append(a.inputBuf, chunk...)
	var out []byte
	if len(a.inputBuf) >= minSend {
		out = a.inputBuf
		a.inputBuf = nil
	}
	a.inputMu.Unlock()

	if out == nil {
		return
	}
	if err := a.writeMessage(websocket.BinaryMessage, out); err != nil {
		a.log.Warn("Failed to send audio upstream: %v", err)
	}
}

// SendKeepAlive forwards the telephony ping to the media socket.
func (a *UltravoxAgent) SendKeepAlive() {
	if !a.isConnected() {
		return
	}
	if err := a.writeJSON(ultravoxDataMessage{Type: ultravoxPing}); err != nil {
		a.log.Warn("Failed to send keepalive: %v", err)
	}
}

// ProcessPlaybackCompleted applies the shared base behavior: re-arm the
// no-input countdown now that playback has drained.
func (a *UltravoxAgent) ProcessPlaybackCompleted() {
	DefaultPlaybackCompleted(a.isConnected(), a.noInput)
}

// Close releases the media socket; idempotent and tolerant of partial
// failure.
func (a *UltravoxAgent) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.noInput.Halt()
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			a.log.Warn("Error closing media socket: %v", err)
		}
	}
	a.log.Info("Closed call %s", a.callID)
}

func (a *UltravoxAgent) receiveLoop() {
	for {
		msgType, data, err := a.conn.ReadMessage()
		if err != nil {
			if a.closed.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				a.sess.SendDisconnect("completed", "Call ended by AI service", nil)
			} else {
				a.log.Warn("Media socket read error: %v", err)
				a.sess.SendDisconnect("error", "AI service connection lost", nil)
			}
			return
		}

		if msgType == websocket.BinaryMessage {
			a.handleUpstreamAudio(data)
			continue
		}
		a.handleDataMessage(data)
	}
}

func (a *UltravoxAgent) handleUpstreamAudio(data []byte) {
	pcm := audio.BytesToPCM(data)
	pcm = audio.Resample(pcm, a.cfg.UltravoxOutputSampleRate, telephonySampleRate)
	a.sess.SendAudio(audio.PCMToMulaw(pcm))
}

func (a *UltravoxAgent) handleDataMessage(data []byte) {
	var msg ultravoxDataMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		a.log.Warn("Unparseable upstream message: %v", err)
		return
	}

	switch msg.Type {
	case ultravoxTranscript:
		a.sess.SendTranscript(msg.Text, msg.Confidence, msg.Final)

	case ultravoxUserStartedSpeaking:
		if a.sess.IsAudioPlaying() {
			a.sess.SendBargeIn()
		}
		a.sess.SetAudioPlaying(false)
		// User is speaking; no reason to prompt for input
		a.noInput.Halt()

	case ultravoxUserStoppedSpeaking:
		a.noInput.Resume()
		a.noInput.Start()

	case ultravoxAgentStartedSpeaking:
		a.sess.SetAudioPlaying(true)

	case ultravoxAgentStoppedSpeaking:
		a.sess.FlushAudioBuffer()
		a.sess.SetAudioPlaying(false)

	case ultravoxCallEnded:
		a.sess.SendDisconnect("completed", "Call ended by AI service", nil)

	case ultravoxError:
		info := msg.Message
		if info == "" {
			info = "AI service reported an error"
		}
		a.sess.SendDisconnect("error", info, nil)

	default:
		a.log.Debug("Ignoring upstream message type %q", msg.Type)
	}
}

func (a *UltravoxAgent) handleNoInput() {
	if !a.isConnected() {
		return
	}
	a.log.Debug("No input for %v, prompting agent", a.cfg.NoInputTimeout)
	if err := a.writeJSON(ultravoxDataMessage{Type: ultravoxUserMessage, Text: noInputPromptText}); err != nil {
		a.log.Warn("Failed to send no-input prompt: %v", err)
	}
}

func (a *UltravoxAgent) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return a.writeMessage(websocket.TextMessage, data)
}

func (a *UltravoxAgent) writeMessage(msgType int, data []byte) error {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	return a.conn.WriteMessage(msgType, data)
}
