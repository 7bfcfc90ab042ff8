// Package bridge runs the per-call media relay: one session per provider
// media stream, each owning a provider WebSocket and an AI realtime
// socket, with audio and turn-taking events flowing between the two.
package bridge

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/callpilot/internal/calls"
	"github.com/sells-group/callpilot/internal/config"
	"github.com/sells-group/callpilot/pkg/aivoice"
)

// Bridge accepts provider media-stream connections and runs one session
// per call. Sessions share nothing but the registry map.
type Bridge struct {
	ai      config.AIConfig
	profile *config.AgentProfile
	calls   *calls.Service

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session

	maxRetries     int
	connectTimeout time.Duration
	dialBackoff    time.Duration
	reconnectPause time.Duration
}

// New creates a bridge. profile may be nil; session defaults apply.
func New(ai config.AIConfig, profile *config.AgentProfile, svc *calls.Service) *Bridge {
	maxRetries := ai.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	connectTimeout := time.Duration(ai.ConnectTimeoutSecs) * time.Second
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &Bridge{
		ai:      ai,
		profile: profile,
		calls:   svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The provider dials from its own infrastructure; the wss URL
			// itself is the shared secret.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions:       make(map[string]*session),
		maxRetries:     maxRetries,
		connectTimeout: connectTimeout,
		dialBackoff:    time.Second,
		reconnectPause: 2 * time.Second,
	}
}

// ActiveSessions reports how many calls are currently bridged.
func (b *Bridge) ActiveSessions() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// HandleMediaStream upgrades the provider connection and runs the session
// until the provider hangs up. The handler goroutine is the sole reader of
// the provider socket.
func (b *Bridge) HandleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.L().Warn("bridge: media stream upgrade failed", zap.Error(err))
		return
	}

	q := r.URL.Query()
	s := &session{
		bridge:         b,
		provider:       conn,
		speakFirst:     q.Get("speakFirst") == "true",
		initialMessage: q.Get("initialMessage"),
		done:           make(chan struct{}),
	}
	s.run(r.Context())
}

func (b *Bridge) register(s *session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[s.callSID] = s
}

func (b *Bridge) unregister(callSID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, callSID)
}

// dialAI connects to the realtime endpoint: up to maxRetries attempts,
// each bounded by connectTimeout, with a linearly growing pause between
// failures.
func (b *Bridge) dialAI(ctx context.Context) (*aivoice.Client, error) {
	var lastErr error
	for attempt := 1; attempt <= b.maxRetries; attempt++ {
		client, err := aivoice.Dial(ctx, aivoice.Config{
			URL:            b.ai.RealtimeURL,
			APIKey:         b.ai.APIKey,
			ConnectTimeout: b.connectTimeout,
		})
		if err == nil {
			return client, nil
		}
		lastErr = err
		zap.L().Warn("bridge: ai connect attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt == b.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * b.dialBackoff):
		}
	}
	return nil, eris.Wrapf(lastErr, "bridge: ai connect failed after %d attempts", b.maxRetries)
}

// sessionConfig assembles the session.update payload from config and the
// optional agent profile.
func (b *Bridge) sessionConfig() aivoice.SessionConfig {
	voice := b.ai.Voice
	instructions := ""
	temperature := 0.0
	vad := config.DefaultVAD
	if b.profile != nil {
		if b.profile.Voice != "" {
			voice = b.profile.Voice
		}
		instructions = b.profile.Instructions
		temperature = b.profile.Temperature
		vad = b.profile.VAD
	}
	if voice == "" {
		voice = "alloy"
	}
	maxTokens := b.ai.MaxResponseTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return aivoice.SessionConfig{
		Modalities:              []string{"text", "audio"},
		Instructions:            instructions,
		Voice:                   voice,
		InputAudioFormat:        "g711_ulaw",
		OutputAudioFormat:       "g711_ulaw",
		InputAudioTranscription: &aivoice.TranscriptionConfig{Model: "whisper-1"},
		TurnDetection: &aivoice.TurnDetection{
			Type:              "server_vad",
			Threshold:         vad.Threshold,
			PrefixPaddingMs:   vad.PrefixPaddingMs,
			SilenceDurationMs: vad.SilenceDurationMs,
		},
		Temperature:             temperature,
		MaxResponseOutputTokens: maxTokens,
	}
}
