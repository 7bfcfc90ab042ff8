package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sells-group/callpilot/internal/calls"
	"github.com/sells-group/callpilot/internal/model"
	"github.com/sells-group/callpilot/pkg/aivoice"
)

type sessionState int

const (
	stateInit sessionState = iota
	stateConnecting
	stateReady
	stateStreaming
	stateFailed
	stateClosing
)

// maxErrorEvents is the per-session budget of AI "error" events before the
// session gives up and plays the failure marker.
const maxErrorEvents = 5

// providerFrame is one JSON message on the provider media socket, in
// either direction. Unused fields stay nil.
type providerFrame struct {
	Event     string      `json:"event"`
	StreamSID string      `json:"streamSid,omitempty"`
	Start     *startFrame `json:"start,omitempty"`
	Media     *mediaFrame `json:"media,omitempty"`
	Mark      *markFrame  `json:"mark,omitempty"`
}

type startFrame struct {
	CallSID   string `json:"callSid"`
	StreamSID string `json:"streamSid"`
}

type mediaFrame struct {
	Track     string `json:"track,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type markFrame struct {
	Name string `json:"name"`
}

// turnMetrics tracks one conversational turn. Owned by the AI pump
// goroutine; reset on response.done.
type turnMetrics struct {
	speechStart     time.Time
	speechStop      time.Time
	committed       time.Time
	responseCreated time.Time
	firstAudio      time.Time
	audioDone       time.Time
}

// session is one bridged call. The provider reader goroutine and the AI
// pump goroutine are the only actors; shared fields sit behind mu.
type session struct {
	bridge   *Bridge
	provider *websocket.Conn
	writeMu  sync.Mutex

	callSID        string
	streamSID      string
	speakFirst     bool
	initialMessage string
	spoke          bool

	mu         sync.Mutex
	state      sessionState
	ai         *aivoice.Client
	errorCount int
	failed     bool

	metrics turnMetrics

	done      chan struct{}
	closeOnce sync.Once
}

// run reads provider frames until the socket closes or a stop arrives.
// Closure of the provider socket always ends the session, whatever the AI
// side is doing.
func (s *session) run(ctx context.Context) {
	defer s.shutdown()

	for {
		var f providerFrame
		if err := s.provider.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log().Debug("bridge: provider socket closed", zap.Error(err))
			}
			return
		}

		switch f.Event {
		case "connected":
			// handshake chatter
		case "start":
			if f.Start == nil {
				s.log().Warn("bridge: start frame without body")
				continue
			}
			if err := s.handleStart(ctx, f.Start); err != nil {
				s.log().Error("bridge: session setup failed", zap.Error(err))
				s.fail()
			}
		case "media":
			s.handleMedia(&f)
		case "mark":
			// playback checkpoints are informational
		case "stop":
			s.log().Info("bridge: provider stream stopped")
			return
		default:
			s.log().Debug("bridge: unhandled provider event", zap.String("event", f.Event))
		}
	}
}

func (s *session) log() *zap.Logger {
	return zap.L().With(
		zap.String("call_sid", s.callSID),
		zap.String("stream_sid", s.streamSID),
	)
}

// handleStart moves INIT → CONNECTING → READY: record identifiers, open
// the AI socket, negotiate the session, optionally speak first.
func (s *session) handleStart(ctx context.Context, start *startFrame) error {
	s.callSID = start.CallSID
	s.streamSID = start.StreamSID
	s.bridge.register(s)
	s.setState(stateConnecting)
	s.log().Info("bridge: session started",
		zap.Bool("speak_first", s.speakFirst),
	)

	client, err := s.bridge.dialAI(ctx)
	if err != nil {
		return err
	}
	s.setAI(client)
	if err := s.configureAI(client); err != nil {
		return err
	}
	s.setState(stateReady)

	go s.runAI(ctx, client)
	return nil
}

// configureAI sends the session configuration and, on the first pass of a
// speak-first call, the scripted opener. Reconnects resend the config but
// never re-speak.
func (s *session) configureAI(client *aivoice.Client) error {
	if err := client.UpdateSession(s.bridge.sessionConfig()); err != nil {
		return err
	}
	if s.speakFirst && !s.spoke {
		if err := client.CreateAssistantMessage(s.initialMessage); err != nil {
			return err
		}
		if err := client.CreateResponse(); err != nil {
			return err
		}
		s.spoke = true
	}
	return nil
}

// handleMedia forwards caller audio into the AI input buffer. Outbound
// echo frames and anything after failure are dropped.
func (s *session) handleMedia(f *providerFrame) {
	if f.Media == nil || f.Media.Track != "inbound" {
		return
	}
	s.mu.Lock()
	client := s.ai
	failed := s.failed
	if !failed && s.state == stateReady {
		s.state = stateStreaming
	}
	s.mu.Unlock()
	if failed || client == nil {
		return
	}
	if err := client.AppendAudio(f.Media.Payload); err != nil {
		s.log().Debug("bridge: forward caller audio failed", zap.Error(err))
	}
}

// runAI pumps AI events and drives reconnection. An abnormal close gets a
// pause and a redial with the same session config; a normal close or a
// closing session ends the pump.
func (s *session) runAI(ctx context.Context, client *aivoice.Client) {
	for {
		for evt := range client.Events() {
			s.handleAIEvent(evt)
			if s.hasFailed() {
				return
			}
		}

		if s.isClosing() || client.ClosedNormally() {
			return
		}
		s.log().Warn("bridge: ai socket closed abnormally, reconnecting",
			zap.Error(client.Err()),
		)
		select {
		case <-s.done:
			return
		case <-time.After(s.bridge.reconnectPause):
		}

		next, err := s.bridge.dialAI(ctx)
		if err != nil {
			s.log().Error("bridge: ai reconnect failed", zap.Error(err))
			s.fail()
			return
		}
		if err := s.configureAI(next); err != nil {
			s.log().Error("bridge: ai reconfigure failed", zap.Error(err))
			next.Close(false)
			s.fail()
			return
		}
		s.setAI(next)
		client = next
	}
}

// aiHandlers routes AI events by type. Unlisted events are ignored.
var aiHandlers = map[string]func(*session, *aivoice.ServerEvent){
	aivoice.EventSpeechStarted:          (*session).onSpeechStarted,
	aivoice.EventSpeechStopped:          (*session).onSpeechStopped,
	aivoice.EventInputCommitted:         (*session).onInputCommitted,
	aivoice.EventResponseCreated:        (*session).onResponseCreated,
	aivoice.EventResponseAudioDelta:     (*session).onAudioDelta,
	aivoice.EventResponseAudioDone:      (*session).onAudioDone,
	aivoice.EventInputTranscriptDone:    (*session).onUserTranscript,
	aivoice.EventResponseTranscriptDone: (*session).onAssistantTranscript,
	aivoice.EventResponseDone:           (*session).onResponseDone,
	aivoice.EventError:                  (*session).onError,
}

func (s *session) handleAIEvent(evt *aivoice.ServerEvent) {
	if h, ok := aiHandlers[evt.Type]; ok {
		h(s, evt)
	}
}

func (s *session) onSpeechStarted(*aivoice.ServerEvent) {
	s.metrics.speechStart = time.Now()
}

func (s *session) onSpeechStopped(*aivoice.ServerEvent) {
	s.metrics.speechStop = time.Now()
}

// onInputCommitted asks for the next response: the server's VAD decided
// the caller's turn is over.
func (s *session) onInputCommitted(*aivoice.ServerEvent) {
	s.metrics.committed = time.Now()
	s.mu.Lock()
	client := s.ai
	s.mu.Unlock()
	if client == nil {
		return
	}
	if err := client.CreateResponse(); err != nil {
		s.log().Warn("bridge: response request failed", zap.Error(err))
	}
}

func (s *session) onResponseCreated(*aivoice.ServerEvent) {
	s.metrics.responseCreated = time.Now()
}

// onAudioDelta relays synthesized audio back to the caller, preserving
// arrival order through the serialized provider writer.
func (s *session) onAudioDelta(evt *aivoice.ServerEvent) {
	if s.hasFailed() {
		return
	}
	if s.metrics.firstAudio.IsZero() {
		s.metrics.firstAudio = time.Now()
	}
	frame := providerFrame{
		Event:     "media",
		StreamSID: s.streamSID,
		Media:     &mediaFrame{Payload: evt.Delta},
	}
	if err := s.writeProvider(frame); err != nil {
		s.log().Debug("bridge: relay audio failed", zap.Error(err))
	}
}

func (s *session) onAudioDone(*aivoice.ServerEvent) {
	s.metrics.audioDone = time.Now()
}

func (s *session) onUserTranscript(evt *aivoice.ServerEvent) {
	s.appendTranscript(model.RoleUser, evt)
}

func (s *session) onAssistantTranscript(evt *aivoice.ServerEvent) {
	s.appendTranscript(model.RoleAssistant, evt)
}

func (s *session) appendTranscript(role model.Role, evt *aivoice.ServerEvent) {
	if s.hasFailed() || evt.Transcript == "" {
		return
	}
	err := s.bridge.calls.AppendTranscript(context.Background(), calls.TranscriptInput{
		CallSID:           s.callSID,
		Role:              role,
		Content:           evt.Transcript,
		ProviderMessageID: evt.ItemID,
		Timestamp:         time.Now().UTC(),
	})
	if err != nil {
		s.log().Warn("bridge: persist transcript failed",
			zap.String("role", string(role)),
			zap.Error(err),
		)
	}
}

// onResponseDone closes out the turn with a latency summary, then resets
// the per-turn metrics.
func (s *session) onResponseDone(*aivoice.ServerEvent) {
	m := s.metrics
	now := time.Now()
	s.log().Info("bridge: turn complete",
		zap.Duration("turn_total", durBetween(m.speechStop, now)),
		zap.Duration("speech_to_commit", durBetween(m.speechStart, m.committed)),
		zap.Duration("response_creation", durBetween(m.committed, m.responseCreated)),
		zap.Duration("time_to_first_audio", durBetween(m.committed, m.firstAudio)),
		zap.Duration("streaming", durBetween(m.firstAudio, m.audioDone)),
	)
	s.metrics = turnMetrics{}
}

func (s *session) onError(evt *aivoice.ServerEvent) {
	s.mu.Lock()
	s.errorCount++
	count := s.errorCount
	s.mu.Unlock()
	s.log().Warn("bridge: ai error event",
		zap.Int("error_count", count),
		zap.String("detail", evt.Error.String()),
	)
	if count >= maxErrorEvents {
		s.fail()
	}
}

func durBetween(from, to time.Time) time.Duration {
	if from.IsZero() || to.IsZero() || to.Before(from) {
		return 0
	}
	return to.Sub(from)
}

// fail moves the session to FAILED exactly once: clear any queued audio on
// the provider side, mark the failure so the caller-side app can react,
// and drop the AI socket. The provider call itself keeps running.
func (s *session) fail() {
	s.mu.Lock()
	if s.failed {
		s.mu.Unlock()
		return
	}
	s.failed = true
	s.state = stateFailed
	client := s.ai
	s.ai = nil
	s.mu.Unlock()

	s.log().Error("bridge: session failed, sending terminator")
	if err := s.writeProvider(providerFrame{Event: "clear", StreamSID: s.streamSID}); err != nil {
		s.log().Debug("bridge: clear frame failed", zap.Error(err))
	}
	frame := providerFrame{
		Event:     "mark",
		StreamSID: s.streamSID,
		Mark:      &markFrame{Name: "call-failed"},
	}
	if err := s.writeProvider(frame); err != nil {
		s.log().Debug("bridge: failure mark failed", zap.Error(err))
	}
	if client != nil {
		client.Close(false)
	}
}

// shutdown is the CLOSING state: runs once, whatever path got us here.
func (s *session) shutdown() {
	s.closeOnce.Do(func() {
		s.setState(stateClosing)
		close(s.done)

		s.mu.Lock()
		client := s.ai
		s.ai = nil
		s.mu.Unlock()
		if client != nil {
			client.Close(true)
		}
		s.provider.Close()
		if s.callSID != "" {
			s.bridge.unregister(s.callSID)
		}
		s.log().Info("bridge: session closed")
	})
}

func (s *session) writeProvider(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.provider.WriteJSON(v)
}

func (s *session) setState(st sessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *session) setAI(client *aivoice.Client) {
	s.mu.Lock()
	s.ai = client
	s.mu.Unlock()
}

func (s *session) hasFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

func (s *session) isClosing() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
