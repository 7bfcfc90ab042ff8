package httpapi

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/callpilot/internal/telephony"
)

// Webhook handlers always answer 200: the provider retries on anything
// else, and the persistence layer's idempotent upserts make replays safe
// anyway.

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	xml, err := telephony.RenderAnswer(telephony.AnswerParams{
		Host:           r.Host,
		SpeakFirst:     q.Get("speakFirst") == "true",
		InitialMessage: q.Get("initialMessage"),
	})
	if err != nil {
		zap.L().Error("http: render answer failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.Write([]byte(xml))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	evt, err := telephony.ParseStatusWebhook(r)
	if err != nil {
		zap.L().Warn("http: bad status webhook", zap.Error(err))
		w.WriteHeader(http.StatusOK)
		return
	}
	if _, err := s.deps.Calls.RecordStatus(r.Context(), evt); err != nil {
		// The provider will retry and the upsert is idempotent.
		zap.L().Error("http: record status failed",
			zap.String("call_sid", evt.CallSID),
			zap.Error(err),
		)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request) {
	evt, err := telephony.ParseRecordingWebhook(r)
	if err != nil {
		zap.L().Warn("http: bad recording webhook", zap.Error(err))
		w.WriteHeader(http.StatusOK)
		return
	}
	if evt.Completed() {
		go s.processRecording(evt)
	}
	w.WriteHeader(http.StatusOK)
}

// processRecording runs detached from the webhook request: fetch and
// upload can take a while and the provider only needs its 200.
func (s *Server) processRecording(evt *telephony.RecordingEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	log := zap.L().With(
		zap.String("call_sid", evt.CallSID),
		zap.String("recording_sid", evt.RecordingSID),
	)

	storagePath := evt.RecordingURL
	var size int64
	if s.deps.Uploader != nil && evt.RecordingURL != "" {
		path, n, err := s.deps.Uploader.Upload(ctx, evt.CallSID, evt.RecordingSID, evt.RecordingURL)
		if err != nil {
			log.Error("http: recording upload failed", zap.Error(err))
			return
		}
		storagePath = path
		size = n
	}

	if err := s.deps.Calls.AttachRecording(ctx, evt, storagePath, size); err != nil {
		log.Error("http: attach recording failed", zap.Error(err))
		return
	}
	log.Info("http: recording processed", zap.String("storage_path", storagePath))
}
