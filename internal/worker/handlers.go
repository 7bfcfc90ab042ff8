package worker

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/callpilot/internal/calls"
	"github.com/sells-group/callpilot/internal/config"
	"github.com/sells-group/callpilot/internal/queue"
	"github.com/sells-group/callpilot/internal/scheduler"
	"github.com/sells-group/callpilot/internal/telephony"
)

// CallOutcome is the recorded result of a successful place-call job.
type CallOutcome struct {
	CallSID        string `json:"callSid"`
	To             string `json:"to"`
	ProviderStatus string `json:"providerStatus"`
}

// PlaceCall returns the handler that initiates one outbound call through
// the telephony provider. An initiated call is never rolled back; the
// cooperative cancel token is only honored before the provider call.
func PlaceCall(provider telephony.Provider, svc *calls.Service, tel config.TelephonyConfig, publicBaseURL string) HandlerFunc {
	return func(ctx context.Context, lease *queue.Lease) (any, error) {
		var p scheduler.CallPayload
		if err := json.Unmarshal(lease.Job().Payload, &p); err != nil {
			return nil, Terminal(eris.Wrap(err, "worker: decode place-call payload"))
		}
		if p.To == "" {
			return nil, Terminal(eris.New("worker: place-call requires a destination number"))
		}

		if lease.Canceled(ctx) {
			return nil, ErrCanceled
		}

		urls, err := telephony.BuildCallbackURLs(publicBaseURL, p.Metadata.SpeakFirst, p.Metadata.InitialMessage)
		if err != nil {
			return nil, Terminal(err)
		}

		res, err := provider.Initiate(ctx, telephony.CallRequest{
			To:                   p.To,
			From:                 tel.FromNumber,
			AnswerURL:            urls.Answer,
			StatusCallbackURL:    urls.Status,
			RecordingCallbackURL: urls.Recording,
			Record:               tel.Record,
			TimeoutSec:           tel.TimeoutSecs,
		})
		if err != nil {
			return nil, err
		}

		if p.LeadID != "" {
			// The call is already ringing; a store hiccup here must not
			// fail the job or trigger a duplicate call.
			if err := svc.MarkLeadContacted(ctx, p.LeadID, res.CallSID); err != nil {
				zap.L().Warn("worker: mark lead contacted failed",
					zap.String("lead_id", p.LeadID),
					zap.String("call_sid", res.CallSID),
					zap.Error(err),
				)
			}
		}

		return &CallOutcome{
			CallSID:        res.CallSID,
			To:             p.To,
			ProviderStatus: res.Status,
		}, nil
	}
}

// RefillLeads returns the handler that expands a refill job into one
// place-call job per callable lead. The scheduler owns the actual logic,
// so scheduled and one-shot refills behave identically.
func RefillLeads(sched *scheduler.Service) HandlerFunc {
	return func(ctx context.Context, lease *queue.Lease) (any, error) {
		var p scheduler.RefillPayload
		if err := json.Unmarshal(lease.Job().Payload, &p); err != nil {
			return nil, Terminal(eris.Wrap(err, "worker: decode refill payload"))
		}
		res, err := sched.RunRefillNow(ctx, scheduler.RefillRequest{
			Message:   p.Message,
			Priority:  p.Priority,
			LeadLimit: p.LeadLimit,
		})
		if err != nil {
			return nil, err
		}
		return res, nil
	}
}
