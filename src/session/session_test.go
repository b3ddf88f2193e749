package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arnab-aionos/genesys-audio-connector-voiceai/src/agents"
	"github.com/arnab-aionos/genesys-audio-connector-voiceai/src/config"
	"github.com/arnab-aionos/genesys-audio-connector-voiceai/src/protocol"
)

type sentFrame struct {
	messageType int
	data        []byte
}

// fakeConn records every frame written to the transport.
type fakeConn struct {
	mu     sync.Mutex
	frames []sentFrame
	closed bool
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	c.frames = append(c.frames, sentFrame{messageType, buf})
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) textMessages(t *testing.T) []protocol.ServerMessage {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var msgs []protocol.ServerMessage
	for _, f := range c.frames {
		if f.messageType != websocket.TextMessage {
			continue
		}
		var msg protocol.ServerMessage
		require.NoError(t, json.Unmarshal(f.data, &msg))
		msgs = append(msgs, msg)
	}
	return msgs
}

func (c *fakeConn) binaryFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	for _, f := range c.frames {
		if f.messageType == websocket.BinaryMessage {
			out = append(out, f.data)
		}
	}
	return out
}

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func countByType(msgs []protocol.ServerMessage, msgType string) int {
	n := 0
	for _, m := range msgs {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

// fakeAgent records the session calls made into it.
type fakeAgent struct {
	mu                sync.Mutex
	audio             [][]byte
	keepAlives        int
	playbackCompleted int
	closed            int
}

func (a *fakeAgent) ProcessAudio(data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.audio = append(a.audio, data)
}

func (a *fakeAgent) SendKeepAlive() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keepAlives++
}

func (a *fakeAgent) ProcessPlaybackCompleted() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.playbackCompleted++
}

func (a *fakeAgent) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed++
}

func (a *fakeAgent) audioFrames() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.audio)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.AudioBufferFlushDelay = 30 * time.Millisecond
	cfg.DTMFCaptureTimeout = 40 * time.Millisecond
	return cfg
}

func newTestSession(t *testing.T) (*Session, *fakeConn, *fakeAgent) {
	t.Helper()
	conn := &fakeConn{}
	agent := &fakeAgent{}
	factory := func(ctx context.Context, provider string, cfg *config.Config, sess agents.Session) (agents.VoiceAgent, error) {
		return agent, nil
	}
	s := New(context.Background(), testConfig(), conn, factory)
	t.Cleanup(s.Close)
	return s, conn, agent
}

// openAndActivate performs the open handshake and waits for the
// asynchronous voice-agent activation to finish.
func openAndActivate(t *testing.T, s *Session) {
	t.Helper()
	s.ProcessTextMessage(openMessage(1))
	require.Eventually(t, func() bool {
		return s.State() == StateActive
	}, time.Second, time.Millisecond)
}

func clientMessage(seq int, msgType string, params interface{}) []byte {
	raw, _ := json.Marshal(params)
	data, _ := json.Marshal(map[string]interface{}{
		"id":         "11111111-2222-3333-4444-555555555555",
		"version":    protocol.Version,
		"seq":        seq,
		"serverseq":  0,
		"type":       msgType,
		"parameters": json.RawMessage(raw),
	})
	return data
}

func openMessage(seq int) []byte {
	return clientMessage(seq, protocol.TypeOpen, protocol.OpenParameters{
		ConversationID: "conv-1",
		Media: []protocol.MediaParameter{
			{Type: "audio", Format: "OPUS", Rate: 48000},
			{Type: "audio", Format: protocol.MediaFormatPCMU, Rate: protocol.MediaRate, Channels: []string{"external"}},
		},
		InputVariables: map[string]string{"customerName": "Ada"},
	})
}

func TestOpenHandshake(t *testing.T) {
	s, conn, _ := newTestSession(t)

	openAndActivate(t, s)

	msgs := conn.textMessages(t)
	require.Len(t, msgs, 1)
	opened := msgs[0]
	assert.Equal(t, protocol.TypeOpened, opened.Type)
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", opened.ID)
	assert.Equal(t, 1, opened.Seq)
	assert.Equal(t, 1, opened.ClientSeq)

	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, "conv-1", s.ConversationID())
	require.NotNil(t, s.SelectedMedia())
	assert.Equal(t, protocol.MediaFormatPCMU, s.SelectedMedia().Format)
	assert.Equal(t, "Ada", s.InputVariables()["customerName"])
}

func TestOpenedSentBeforeAgentStarts(t *testing.T) {
	conn := &fakeConn{}
	var framesAtFactoryTime int
	factory := func(ctx context.Context, provider string, cfg *config.Config, sess agents.Session) (agents.VoiceAgent, error) {
		framesAtFactoryTime = conn.frameCount()
		return &fakeAgent{}, nil
	}
	s := New(context.Background(), testConfig(), conn, factory)
	defer s.Close()

	openAndActivate(t, s)

	assert.Equal(t, 1, framesAtFactoryTime, "opened must be on the wire before the upstream call starts")
}

func TestOpenWithoutSupportedMedia(t *testing.T) {
	s, conn, _ := newTestSession(t)

	msg := clientMessage(1, protocol.TypeOpen, protocol.OpenParameters{
		ConversationID: "conv-1",
		Media:          []protocol.MediaParameter{{Type: "audio", Format: "OPUS", Rate: 48000}},
	})
	s.ProcessTextMessage(msg)

	msgs := conn.textMessages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.TypeDisconnect, msgs[0].Type)
	params := msgs[0].Parameters.(map[string]interface{})
	assert.Equal(t, protocol.DisconnectReasonError, params["reason"])
	assert.Equal(t, "No supported media type was found.", params["info"])
	assert.Equal(t, StateDisconnecting, s.State())
}

func TestAgentInitFailureDisconnects(t *testing.T) {
	conn := &fakeConn{}
	factory := func(ctx context.Context, provider string, cfg *config.Config, sess agents.Session) (agents.VoiceAgent, error) {
		return nil, fmt.Errorf("upstream unavailable")
	}
	s := New(context.Background(), testConfig(), conn, factory)
	defer s.Close()

	s.ProcessTextMessage(openMessage(1))

	assert.Eventually(t, func() bool {
		return countByType(conn.textMessages(t), protocol.TypeDisconnect) == 1
	}, time.Second, 5*time.Millisecond)

	msgs := conn.textMessages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.TypeOpened, msgs[0].Type)
	assert.Equal(t, protocol.TypeDisconnect, msgs[1].Type)
}

func TestSequenceGapDisconnectsOnce(t *testing.T) {
	s, conn, agent := newTestSession(t)
	openAndActivate(t, s)

	// Seq 3 skips 2: the session must disconnect without dispatching.
	s.ProcessTextMessage(clientMessage(3, protocol.TypePing, protocol.EmptyParameters{}))

	msgs := conn.textMessages(t)
	assert.Equal(t, 1, countByType(msgs, protocol.TypeDisconnect))
	assert.Equal(t, 0, countByType(msgs, protocol.TypePong))
	assert.Equal(t, 0, agent.keepAlives)

	// Further violations are absorbed by the idempotent disconnect.
	s.ProcessTextMessage(clientMessage(7, protocol.TypePing, protocol.EmptyParameters{}))
	assert.Equal(t, 1, countByType(conn.textMessages(t), protocol.TypeDisconnect))
}

func TestServerSeqAheadDisconnects(t *testing.T) {
	s, conn, _ := newTestSession(t)

	data, _ := json.Marshal(map[string]interface{}{
		"id":        "11111111-2222-3333-4444-555555555555",
		"version":   protocol.Version,
		"seq":       1,
		"serverseq": 5,
		"type":      protocol.TypePing,
	})
	s.ProcessTextMessage(data)

	msgs := conn.textMessages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.TypeDisconnect, msgs[0].Type)
}

func TestSessionIDMismatchDisconnects(t *testing.T) {
	s, conn, _ := newTestSession(t)
	openAndActivate(t, s)

	data, _ := json.Marshal(map[string]interface{}{
		"id":      "99999999-8888-7777-6666-555555555555",
		"version": protocol.Version,
		"seq":     2,
		"type":    protocol.TypePing,
	})
	s.ProcessTextMessage(data)

	assert.Equal(t, 1, countByType(conn.textMessages(t), protocol.TypeDisconnect))
}

func TestUnparseableMessageDisconnects(t *testing.T) {
	s, conn, _ := newTestSession(t)
	s.ProcessTextMessage([]byte("{not json"))
	msgs := conn.textMessages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.TypeDisconnect, msgs[0].Type)
}

func TestPingAnsweredWithPong(t *testing.T) {
	s, conn, agent := newTestSession(t)
	openAndActivate(t, s)
	s.ProcessTextMessage(clientMessage(2, protocol.TypePing, protocol.EmptyParameters{}))

	msgs := conn.textMessages(t)
	assert.Equal(t, 1, countByType(msgs, protocol.TypePong))
	assert.Equal(t, 1, agent.keepAlives)
}

func TestServerSeqMonotonic(t *testing.T) {
	s, conn, _ := newTestSession(t)
	openAndActivate(t, s)
	s.ProcessTextMessage(clientMessage(2, protocol.TypePing, protocol.EmptyParameters{}))
	s.ProcessTextMessage(clientMessage(3, protocol.TypePing, protocol.EmptyParameters{}))

	msgs := conn.textMessages(t)
	for i, m := range msgs {
		assert.Equal(t, i+1, m.Seq)
	}
}

func TestBinaryDroppedBeforeAgentReady(t *testing.T) {
	s, _, agent := newTestSession(t)
	s.ProcessBinaryMessage([]byte{0xFF, 0xFF})
	assert.Equal(t, 0, agent.audioFrames())

	openAndActivate(t, s)
	s.ProcessBinaryMessage([]byte{0xFF, 0xFF})
	assert.Equal(t, 1, agent.audioFrames())
}

func TestSmallAudioBufferedUntilDelay(t *testing.T) {
	s, conn, _ := newTestSession(t)
	openAndActivate(t, s)

	s.SendAudio(make([]byte, 100))
	assert.Empty(t, conn.binaryFrames(), "audio below the minimum must not be sent immediately")

	assert.Eventually(t, func() bool {
		return len(conn.binaryFrames()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, conn.binaryFrames()[0], 100)
}

func TestLargeAudioFlushedImmediately(t *testing.T) {
	s, conn, _ := newTestSession(t)
	openAndActivate(t, s)

	s.SendAudio(make([]byte, s.cfg.MinBinaryMessageSize))
	frames := conn.binaryFrames()
	require.Len(t, frames, 1)
	assert.Len(t, frames[0], s.cfg.MinBinaryMessageSize)
}

func TestAudioChunkedAtMaxSize(t *testing.T) {
	s, conn, _ := newTestSession(t)
	openAndActivate(t, s)

	total := s.cfg.MaxBinaryMessageSize + s.cfg.MaxBinaryMessageSize/2
	s.SendAudio(make([]byte, total))

	frames := conn.binaryFrames()
	require.Len(t, frames, 2)
	assert.Len(t, frames[0], s.cfg.MaxBinaryMessageSize)
	assert.Len(t, frames[1], total-s.cfg.MaxBinaryMessageSize)
}

func TestAudioAccumulatesAcrossCalls(t *testing.T) {
	s, conn, _ := newTestSession(t)
	openAndActivate(t, s)

	half := s.cfg.MinBinaryMessageSize / 2
	s.SendAudio(make([]byte, half))
	assert.Empty(t, conn.binaryFrames())
	s.SendAudio(make([]byte, s.cfg.MinBinaryMessageSize-half))

	frames := conn.binaryFrames()
	require.Len(t, frames, 1)
	assert.Len(t, frames[0], s.cfg.MinBinaryMessageSize)
}

func TestFlushAudioBufferForcesPartialSend(t *testing.T) {
	s, conn, _ := newTestSession(t)
	openAndActivate(t, s)

	s.SendAudio(make([]byte, 10))
	s.FlushAudioBuffer()

	frames := conn.binaryFrames()
	require.Len(t, frames, 1)
	assert.Len(t, frames[0], 10)
}

func TestBargeInClearsBufferBeforeEvent(t *testing.T) {
	s, conn, _ := newTestSession(t)
	openAndActivate(t, s)

	s.SendAudio(make([]byte, 200))
	s.SendBargeIn()

	assert.Empty(t, conn.binaryFrames(), "buffered audio must be dropped, not played")
	msgs := conn.textMessages(t)
	require.Equal(t, 1, countByType(msgs, protocol.TypeEvent))

	// Delayed flush must not resurrect the dropped audio.
	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, conn.binaryFrames())
}

func TestTranscriptEvent(t *testing.T) {
	s, conn, _ := newTestSession(t)
	openAndActivate(t, s)

	s.SendTranscript("hello there", 0.93, true)

	msgs := conn.textMessages(t)
	require.Equal(t, 1, countByType(msgs, protocol.TypeEvent))
}

func TestTranscriptDroppedBeforeHandshake(t *testing.T) {
	s, conn, _ := newTestSession(t)
	s.SendTranscript("too early", 1.0, true)
	assert.Empty(t, conn.textMessages(t))
}

func TestPlaybackCompletedClearsFlagAndNotifiesAgent(t *testing.T) {
	s, _, agent := newTestSession(t)
	openAndActivate(t, s)
	s.SetAudioPlaying(true)

	s.ProcessTextMessage(clientMessage(2, protocol.TypePlaybackCompleted, protocol.EmptyParameters{}))

	assert.False(t, s.IsAudioPlaying())
	assert.Equal(t, 1, agent.playbackCompleted)
}

func TestDTMFTerminatorEmitsTranscript(t *testing.T) {
	s, conn, _ := newTestSession(t)
	openAndActivate(t, s)

	for seq, digit := range []string{"1", "2", "3", "#"} {
		s.ProcessTextMessage(clientMessage(seq+2, protocol.TypeDTMF, protocol.DTMFParameters{Digit: digit}))
	}

	msgs := conn.textMessages(t)
	require.Equal(t, 1, countByType(msgs, protocol.TypeEvent))
}

func TestDTMFTimeoutEmitsTranscript(t *testing.T) {
	s, conn, _ := newTestSession(t)
	openAndActivate(t, s)

	s.ProcessTextMessage(clientMessage(2, protocol.TypeDTMF, protocol.DTMFParameters{Digit: "4"}))
	s.ProcessTextMessage(clientMessage(3, protocol.TypeDTMF, protocol.DTMFParameters{Digit: "2"}))

	assert.Eventually(t, func() bool {
		return countByType(conn.textMessages(t), protocol.TypeEvent) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDTMFIgnoredDuringPlayback(t *testing.T) {
	s, conn, _ := newTestSession(t)
	openAndActivate(t, s)
	s.SetAudioPlaying(true)

	s.ProcessTextMessage(clientMessage(2, protocol.TypeDTMF, protocol.DTMFParameters{Digit: "5"}))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, countByType(conn.textMessages(t), protocol.TypeEvent))
}

func TestBinaryDroppedDuringDTMFCapture(t *testing.T) {
	s, _, agent := newTestSession(t)
	openAndActivate(t, s)

	s.ProcessTextMessage(clientMessage(2, protocol.TypeDTMF, protocol.DTMFParameters{Digit: "1"}))
	s.ProcessBinaryMessage([]byte{0xFF})

	assert.Equal(t, 0, agent.audioFrames())
}

func TestDTMFCaptureDiscardedWhenPlaybackStarts(t *testing.T) {
	s, conn, agent := newTestSession(t)
	openAndActivate(t, s)

	s.ProcessTextMessage(clientMessage(2, protocol.TypeDTMF, protocol.DTMFParameters{Digit: "1"}))
	s.SetAudioPlaying(true)

	// The capture is gone: audio forwarding resumes immediately.
	s.ProcessBinaryMessage([]byte{0xFF})
	assert.Equal(t, 1, agent.audioFrames())

	// And the abandoned digits never surface as a transcript.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, countByType(conn.textMessages(t), protocol.TypeEvent))
}

func TestReadLoopResponsiveDuringAgentInit(t *testing.T) {
	conn := &fakeConn{}
	release := make(chan struct{})
	factory := func(ctx context.Context, provider string, cfg *config.Config, sess agents.Session) (agents.VoiceAgent, error) {
		<-release
		return &fakeAgent{}, nil
	}
	s := New(context.Background(), testConfig(), conn, factory)
	defer s.Close()

	s.ProcessTextMessage(openMessage(1))

	// With agent construction still pending, a ping must be answered.
	s.ProcessTextMessage(clientMessage(2, protocol.TypePing, protocol.EmptyParameters{}))
	assert.Equal(t, 1, countByType(conn.textMessages(t), protocol.TypePong))

	close(release)
	require.Eventually(t, func() bool {
		return s.State() == StateActive
	}, time.Second, time.Millisecond)
}

func TestCloseMessageRepliesAndTearsDown(t *testing.T) {
	s, conn, agent := newTestSession(t)
	openAndActivate(t, s)

	s.ProcessTextMessage(clientMessage(2, protocol.TypeClose, protocol.CloseParameters{Reason: "end"}))

	msgs := conn.textMessages(t)
	assert.Equal(t, 1, countByType(msgs, protocol.TypeClosed))
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 1, agent.closed)
	assert.True(t, conn.closed)
}

func TestCloseIsIdempotent(t *testing.T) {
	s, _, agent := newTestSession(t)
	openAndActivate(t, s)

	s.Close()
	s.Close()
	assert.Equal(t, 1, agent.closed)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	s, conn, _ := newTestSession(t)
	openAndActivate(t, s)

	s.SendDisconnect(protocol.DisconnectReasonCompleted, "done", nil)
	s.SendDisconnect(protocol.DisconnectReasonError, "second attempt", nil)

	msgs := conn.textMessages(t)
	require.Equal(t, 1, countByType(msgs, protocol.TypeDisconnect))
	params := msgs[len(msgs)-1].Parameters.(map[string]interface{})
	assert.Equal(t, protocol.DisconnectReasonCompleted, params["reason"])
}

func TestNoSendsAfterClose(t *testing.T) {
	s, conn, _ := newTestSession(t)
	openAndActivate(t, s)
	s.Close()

	before := conn.frameCount()
	s.SendAudio(make([]byte, s.cfg.MinBinaryMessageSize))
	s.SendTranscript("late", 1.0, true)
	assert.Equal(t, before, conn.frameCount())
}

func TestErrorMessageDoesNotDisconnect(t *testing.T) {
	s, conn, _ := newTestSession(t)
	openAndActivate(t, s)

	s.ProcessTextMessage(clientMessage(2, protocol.TypeError, protocol.ErrorParameters{Code: 429, Message: "rate limited"}))

	assert.Equal(t, 0, countByType(conn.textMessages(t), protocol.TypeDisconnect))
	assert.Equal(t, StateActive, s.State())
}
