package agents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/arnab-aionos/genesys-audio-connector-voiceai/src/audio"
	"github.com/arnab-aionos/genesys-audio-connector-voiceai/src/config"
	"github.com/arnab-aionos/genesys-audio-connector-voiceai/src/logger"
	"github.com/arnab-aionos/genesys-audio-connector-voiceai/src/timer"
)

// Gemini Live fixed audio rates: 16kHz PCM in, 24kHz PCM out
const (
	geminiInputSampleRate  = 16000
	geminiOutputSampleRate = 24000
)

// GeminiAgent bridges one call to the Gemini Live API. Unlike UltraVox
// there is no separate call-creation step; connecting the live session is
// the upstream call.
type GeminiAgent struct {
	cfg  *config.Config
	sess Session
	log  *logger.Logger

	live   *genai.Session
	sendMu sync.Mutex

	inputMu  sync.Mutex
	inputBuf []byte

	noInput *timer.Timer
	closed  atomic.Bool
}

// NewGeminiAgent connects a Gemini Live session for the call.
func NewGeminiAgent(ctx context.Context, cfg *config.Config, sess Session) (*GeminiAgent, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is not configured")
	}

	a := &GeminiAgent{
		cfg:  cfg,
		sess: sess,
		log:  logger.WithPrefix("Gemini"),
	}
	a.noInput = timer.New(cfg.NoInputTimeout, a.handleNoInput)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client setup failed: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.UpstreamConnectTimeout)
	defer cancel()

	live, err := client.Live.Connect(connectCtx, cfg.GeminiModel, &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: RenderPrompt(cfg.SystemPromptTemplate, sess.InputVariables())}},
		},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.GeminiVoice},
			},
		},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini live connection failed: %w", err)
	}
	a.live = live

	go a.receiveLoop()

	a.log.Info("Connected live session (model %s)", cfg.GeminiModel)
	return a, nil
}

func (a *GeminiAgent) isConnected() bool {
	return a.live != nil && !a.closed.Load()
}

// ProcessAudio transcodes telephony mulaw to 16kHz PCM and forwards it as
// realtime input once roughly 100ms has accumulated.
func (a *GeminiAgent) ProcessAudio(data []byte) {
	if !a.isConnected() {
		return
	}

	pcm := audio.MulawToPCM(data)
	pcm = audio.Resample(pcm, telephonySampleRate, geminiInputSampleRate)
	chunk := audio.PCMToBytes(pcm)

	minSend := geminiInputSampleRate / 10 * 2

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

	a.sendMu.Lock()
	err := a.live.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{Data: out, MIMEType: "audio/pcm;rate=16000"},
	})
	a.sendMu.Unlock()
	if err != nil {
		a.log.Warn("Failed to send audio upstream: %v", err)
	}
}

// SendKeepAlive is a no-op; the live session keeps its own transport alive.
func (a *GeminiAgent) SendKeepAlive() {
	a.log.Debug("Keepalive (no-op for live session)")
}

// ProcessPlaybackCompleted applies the shared base behavior.
func (a *GeminiAgent) ProcessPlaybackCompleted() {
	DefaultPlaybackCompleted(a.isConnected(), a.noInput)
}

// Close tears down the live session; idempotent.
func (a *GeminiAgent) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.noInput.Halt()
	if a.live != nil {
		if err := a.live.Close(); err != nil {
			a.log.Warn("Error closing live session: %v", err)
		}
	}
	a.log.Info("Closed live session")
}

func (a *GeminiAgent) receiveLoop() {
	for {
		msg, err := a.live.Receive()
		if err != nil {
			if a.closed.Load() {
				return
			}
			reason, info := disconnectForReceiveError(err)
			if reason == "error" {
				a.log.Warn("Live session receive error: %v", err)
			}
			a.sess.SendDisconnect(reason, info, nil)
			return
		}
		a.handleServerMessage(msg)
	}
}

// disconnectForReceiveError maps a live-stream receive failure to a
// disconnect. A cleanly ended stream is a completed call, not an error.
func disconnectForReceiveError(err error) (reason, info string) {
	if errors.Is(err, io.EOF) || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return "completed", "Call ended by AI service"
	}
	return "error", "AI service connection lost"
}

// handleServerMessage translates one live server message into session
// operations.
func (a *GeminiAgent) handleServerMessage(msg *genai.LiveServerMessage) {
	sc := msg.ServerContent
	if sc == nil {
		return
	}

	if sc.Interrupted {
		if a.sess.IsAudioPlaying() {
			a.sess.SendBargeIn()
		}
		a.sess.SetAudioPlaying(false)
		a.noInput.Halt()
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		a.sess.SendTranscript(sc.InputTranscription.Text, 1.0, sc.InputTranscription.Finished)
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		a.sess.SendBotTurnResponse(sc.OutputTranscription.Text)
	}

	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			if !a.sess.IsAudioPlaying() {
				a.sess.SetAudioPlaying(true)
			}
			pcm := audio.BytesToPCM(part.InlineData.Data)
			pcm = audio.Resample(pcm, geminiOutputSampleRate, telephonySampleRate)
			a.sess.SendAudio(audio.PCMToMulaw(pcm))
		}
	}

	if sc.TurnComplete {
		a.sess.FlushAudioBuffer()
		a.sess.SetAudioPlaying(false)
		a.noInput.Resume()
		a.noInput.Start()
	}
}

func (a *GeminiAgent) handleNoInput() {
	if !a.isConnected() {
		return
	}
	a.log.Debug("No input for %v, prompting agent", a.cfg.NoInputTimeout)

	a.sendMu.Lock()
	err := a.live.SendClientContent(genai.LiveClientContentInput{
		Turns:        []*genai.Content{genai.NewContentFromText(noInputPromptText, genai.RoleUser)},
		TurnComplete: genai.Ptr(true),
	})
	a.sendMu.Unlock()
	if err != nil {
		a.log.Warn("Failed to send no-input prompt: %v", err)
	}
}
