// Package agents provides the pluggable voice-AI backends a call session
// bridges to. An agent owns the upstream call: it creates it, streams audio
// both ways, and translates upstream events into session operations.
package agents

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/arnab-aionos/genesys-audio-connector-voiceai/src/config"
	"github.com/arnab-aionos/genesys-audio-connector-voiceai/src/timer"
)

// Provider names accepted by the factory
const (
	ProviderUltravox = "ultravox"
	ProviderGemini   = "gemini"
)

// Sample rate of the negotiated telephony audio (PCMU)
const telephonySampleRate = 8000

// Session is the view an agent has of the call session that owns it.
// Implemented by session.Session; agents never see the call-control wire.
type Session interface {
	// SendAudio buffers mulaw 8kHz audio for the telephony side
	SendAudio(data []byte)
	// FlushAudioBuffer forces out any buffered telephony audio
	FlushAudioBuffer()
	// SendTranscript emits a transcript event entity
	SendTranscript(text string, confidence float64, isFinal bool)
	// SendBotTurnResponse emits a bot_turn_response event entity
	SendBotTurnResponse(text string)
	// SendBargeIn clears buffered playback and emits a barge_in event
	SendBargeIn()
	// SendDisconnect emits a terminal disconnect message; idempotent
	SendDisconnect(reason, info string, outputVariables map[string]string)
	// IsAudioPlaying reports whether agent playback is in progress
	IsAudioPlaying() bool
	// SetAudioPlaying updates the playback flag
	SetAudioPlaying(playing bool)
	// InputVariables returns the open handshake's opaque variables
	InputVariables() map[string]string
	// ConversationID returns the call-control conversation identity
	ConversationID() string
}

// VoiceAgent is the capability interface for an upstream voice-AI call.
type VoiceAgent interface {
	// ProcessAudio accepts inbound telephony mulaw audio; transcodes and
	// forwards upstream if connected, silently drops otherwise
	ProcessAudio(data []byte)
	// SendKeepAlive forwards a keep-alive upstream if connected
	SendKeepAlive()
	// ProcessPlaybackCompleted is invoked when the telephony side finished
	// playing buffered audio
	ProcessPlaybackCompleted()
	// Close releases the upstream connection and resources; idempotent
	Close()
}

// Factory constructs a VoiceAgent for a provider name. Session injects this
// so agent construction stays an explicit, awaited operation.
type Factory func(ctx context.Context, provider string, cfg *config.Config, sess Session) (VoiceAgent, error)

// New is the default Factory, selecting the implementation by provider name.
func New(ctx context.Context, provider string, cfg *config.Config, sess Session) (VoiceAgent, error) {
	switch provider {
	case ProviderUltravox, "":
		return NewUltravoxAgent(ctx, cfg, sess)
	case ProviderGemini:
		return NewGeminiAgent(ctx, cfg, sess)
	default:
		return nil, fmt.Errorf("unknown voice agent provider: %q", provider)
	}
}

// DefaultPlaybackCompleted is the shared playback-completed behavior: arm
// the no-input countdown once playback has drained, but only while the
// upstream side is still connected. Implementations with their own
// turn-taking semantics call it explicitly or replace it.
func DefaultPlaybackCompleted(connected bool, noInput *timer.Timer) {
	if connected {
		noInput.Start()
	}
}

var promptPlaceholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// RenderPrompt fills {{key}} placeholders in the configured system prompt
// template from the session's inputVariables. Unknown placeholders are left
// untouched.
func RenderPrompt(template string, vars map[string]string) string {
	return promptPlaceholder.ReplaceAllStringFunc(template, func(match string) string {
		key := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(match, "{{"), "}}"))
		if val, ok := vars[key]; ok {
			return val
		}
		return match
	})
}
