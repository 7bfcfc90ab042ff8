// Package calls is the linkage and persistence layer: every durable write
// about a call funnels through here, so webhook replays and out-of-order
// delivery resolve to one consistent row set.
package calls

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/callpilot/internal/model"
	"github.com/sells-group/callpilot/internal/store"
	"github.com/sells-group/callpilot/internal/telephony"
)

// Service owns all row writes for calls, transcripts, leads, recordings.
type Service struct {
	store store.Store
}

// NewService creates the persistence service over a row store.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// RecordStatus upserts one status webhook into the call's event row.
// Replaying the same webhook is a no-op; a late non-terminal event never
// regresses a terminal status.
func (s *Service) RecordStatus(ctx context.Context, evt *telephony.StatusEvent) (*model.CallEvent, error) {
	ev, err := s.store.UpsertCallEvent(ctx, store.CallEventUpdate{
		CallSID:         evt.CallSID,
		Status:          evt.Status,
		Direction:       evt.Direction,
		FromNumber:      evt.From,
		ToNumber:        evt.To,
		DurationSec:     evt.DurationSec,
		CallDurationSec: evt.CallDuration,
		RecordingURL:    evt.RecordingURL,
		RecordingSID:    evt.RecordingSID,
		EventAt:         evt.Timestamp,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "calls: record status %s", evt.CallSID)
	}
	return ev, nil
}

// TranscriptInput is one utterance reported by the media bridge.
type TranscriptInput struct {
	CallSID           string
	Role              model.Role
	Content           string
	ProviderMessageID string
	Metrics           []byte
	Timestamp         time.Time
}

// AppendTranscript persists one utterance. Entries with a provider message
// id are deduplicated per call; the first entry of a call also links the
// lead. A missing call-event row (media stream beat the status webhook) is
// created minimally so references hold.
func (s *Service) AppendTranscript(ctx context.Context, in TranscriptInput) error {
	if in.CallSID == "" {
		return eris.New("calls: transcript requires call sid")
	}

	ev, err := s.store.GetCallEvent(ctx, in.CallSID)
	if err != nil {
		return eris.Wrapf(err, "calls: append transcript %s", in.CallSID)
	}
	if ev == nil {
		if _, err := s.store.UpsertCallEvent(ctx, store.CallEventUpdate{
			CallSID: in.CallSID,
			Status:  model.CallStatusInProgress,
			EventAt: in.Timestamp,
		}); err != nil {
			return eris.Wrapf(err, "calls: seed call event %s", in.CallSID)
		}
	}

	entry := model.TranscriptEntry{
		CallSID:   in.CallSID,
		Role:      in.Role,
		Content:   in.Content,
		Metrics:   in.Metrics,
		Timestamp: in.Timestamp,
	}
	if in.ProviderMessageID != "" {
		entry.ProviderMessageID = &in.ProviderMessageID
	}
	inserted, err := s.store.InsertTranscript(ctx, entry)
	if err != nil {
		return eris.Wrapf(err, "calls: append transcript %s", in.CallSID)
	}
	if !inserted {
		// Retransmission deduped by (call_sid, provider_message_id).
		return nil
	}

	s.LinkLead(ctx, in.CallSID)
	return nil
}

// Transcripts lists a call's conversation in timestamp order.
func (s *Service) Transcripts(ctx context.Context, callSID string) ([]model.TranscriptEntry, error) {
	return s.store.ListTranscripts(ctx, callSID)
}

// CallEvent returns the durable row for a call, nil when unknown.
func (s *Service) CallEvent(ctx context.Context, callSID string) (*model.CallEvent, error) {
	return s.store.GetCallEvent(ctx, callSID)
}

// LinkLead ties the call to the lead whose phone matches the dialed
// number, exactly once per call. Failures are logged, never propagated:
// linkage is best-effort enrichment, not part of the write path's
// contract.
func (s *Service) LinkLead(ctx context.Context, callSID string) {
	log := zap.L().With(zap.String("call_sid", callSID))

	linked, err := s.store.LeadLinkedToCall(ctx, callSID)
	if err != nil {
		log.Warn("calls: lead linkage lookup failed", zap.Error(err))
		return
	}
	if linked {
		return
	}

	ev, err := s.store.GetCallEvent(ctx, callSID)
	if err != nil || ev == nil || ev.ToNumber == "" {
		if err != nil {
			log.Warn("calls: lead linkage call lookup failed", zap.Error(err))
		}
		return
	}

	lead, err := s.store.FindCallableLeadByPhone(ctx, ev.ToNumber)
	if err != nil {
		log.Warn("calls: lead search failed", zap.Error(err))
		return
	}
	if lead == nil {
		return
	}

	claimed, err := s.store.ClaimLeadForCall(ctx, lead.ID, callSID)
	if err != nil {
		if errors.Is(err, store.ErrCallSIDTaken) {
			// Two leads racing for one call sid is an invariant breach.
			log.Error("calls: call sid already linked to another lead",
				zap.String("lead_id", lead.ID), zap.Error(err))
			return
		}
		log.Warn("calls: lead claim failed", zap.String("lead_id", lead.ID), zap.Error(err))
		return
	}
	if claimed {
		log.Info("calls: lead linked",
			zap.String("lead_id", lead.ID),
			zap.String("phone", ev.ToNumber),
		)
	}
}

// MarkLeadContacted records a successful initiation against the lead that
// requested it: call sid set, status moved to contacted.
func (s *Service) MarkLeadContacted(ctx context.Context, leadID, callSID string) error {
	if err := s.store.MarkLeadContacted(ctx, leadID, callSID); err != nil {
		if errors.Is(err, store.ErrCallSIDTaken) {
			zap.L().Error("calls: call sid already linked to another lead",
				zap.String("lead_id", leadID),
				zap.String("call_sid", callSID),
			)
		}
		return eris.Wrapf(err, "calls: mark lead contacted %s", leadID)
	}
	return nil
}

// AttachRecording persists the stored-recording descriptor for a call.
// Duplicate recording sids are replay no-ops; a second stored recording
// for the same call is rejected by the store's uniqueness rule.
func (s *Service) AttachRecording(ctx context.Context, evt *telephony.RecordingEvent, storagePath string, sizeBytes int64) error {
	rec := model.CallRecording{
		CallSID:      evt.CallSID,
		RecordingSID: evt.RecordingSID,
		StoragePath:  storagePath,
		Status:       model.RecordingStatusStored,
	}
	if evt.DurationSec > 0 {
		d := evt.DurationSec
		rec.DurationSec = &d
	}
	if sizeBytes > 0 {
		rec.SizeBytes = &sizeBytes
	}

	inserted, err := s.store.InsertRecording(ctx, rec)
	if err != nil {
		return eris.Wrapf(err, "calls: attach recording %s", evt.RecordingSID)
	}
	if !inserted {
		zap.L().Debug("calls: recording already attached",
			zap.String("call_sid", evt.CallSID),
			zap.String("recording_sid", evt.RecordingSID),
		)
	}
	return nil
}
