package telephony

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"

	"github.com/sells-group/callpilot/internal/config"
	"github.com/sells-group/callpilot/internal/resilience"
)

// statusCallbackEvents are the lifecycle events the provider reports to the
// status webhook.
var statusCallbackEvents = []string{"initiated", "ringing", "answered", "completed"}

// TwilioProvider initiates calls through the Twilio REST API. A circuit
// breaker sits in front of the API so a provider outage sheds load fast
// instead of burning every job's attempts against a dead endpoint.
type TwilioProvider struct {
	client  *twilio.RestClient
	cfg     config.TelephonyConfig
	breaker *resilience.CircuitBreaker
}

// NewTwilioProvider builds a provider from credentials in config.
func NewTwilioProvider(cfg config.TelephonyConfig) *TwilioProvider {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	breakerCfg := resilience.DefaultCircuitBreakerConfig()
	// Terminal rejections (invalid number, bad caller id) are the
	// caller's problem, not the provider's health.
	breakerCfg.ShouldTrip = resilience.IsTransient
	breakerCfg.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("telephony: circuit state change",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}

	return &TwilioProvider{
		client:  client,
		cfg:     cfg,
		breaker: resilience.NewCircuitBreaker(breakerCfg),
	}
}

func (p *TwilioProvider) Name() string { return "twilio" }

// Initiate places an outbound call whose answer webhook opens the media
// stream. Provider rejections are mapped to ProviderError; transport
// failures stay transient so the job store retries them.
func (p *TwilioProvider) Initiate(ctx context.Context, req CallRequest) (*CallResult, error) {
	if req.To == "" {
		return nil, &ProviderError{Message: "destination number is empty", Terminal: true}
	}
	from := req.From
	if from == "" {
		from = p.cfg.FromNumber
	}
	timeout := req.TimeoutSec
	if timeout <= 0 {
		timeout = p.cfg.TimeoutSecs
	}

	params := &api.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(from)
	params.SetUrl(req.AnswerURL)
	params.SetStatusCallback(req.StatusCallbackURL)
	params.SetStatusCallbackEvent(statusCallbackEvents)
	params.SetTimeout(timeout)
	if req.Record {
		params.SetRecord(true)
		params.SetRecordingStatusCallback(req.RecordingCallbackURL)
		params.SetRecordingStatusCallbackEvent([]string{"completed"})
	}

	resp, err := resilience.ExecuteVal(ctx, p.breaker, func(_ context.Context) (*api.ApiV2010Call, error) {
		r, err := p.client.Api.CreateCall(params)
		if err != nil {
			return nil, classifyTwilioError(err)
		}
		return r, nil
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, resilience.NewTransientError(err, 0)
		}
		return nil, err
	}
	if resp.Sid == nil {
		return nil, eris.New("telephony: provider returned no call sid")
	}

	result := &CallResult{CallSID: *resp.Sid}
	if resp.Status != nil {
		result.Status = *resp.Status
	}
	zap.L().Info("call initiated",
		zap.String("call_sid", result.CallSID),
		zap.String("to", req.To),
		zap.String("status", result.Status),
	)
	return result, nil
}

// classifyTwilioError separates provider rejections (terminal) from rate
// limits and outages (transient).
func classifyTwilioError(err error) error {
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) {
		if restErr.Status == 429 || restErr.Status >= 500 {
			return resilience.NewTransientError(&ProviderError{
				Code:    restErr.Code,
				Status:  restErr.Status,
				Message: restErr.Message,
			}, restErr.Status)
		}
		// 4xx: invalid number, unverified caller id, bad credentials.
		return &ProviderError{
			Code:     restErr.Code,
			Status:   restErr.Status,
			Message:  restErr.Message,
			Terminal: true,
		}
	}
	// Transport-level failure; let the retry policy decide.
	return resilience.NewTransientError(eris.Wrap(err, "telephony: create call"), 0)
}

// IsTerminal reports whether the initiation error must not be retried.
func IsTerminal(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Terminal
}
