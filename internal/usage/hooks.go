package usage

import (
	"context"
	"time"

	log "github.com/nghyane/llm-failover/internal/logging"
	"github.com/nghyane/llm-failover/internal/provider"
)

// CallRecord is one provider attempt as seen by the router's telemetry hooks.
type CallRecord struct {
	Provider    string
	Modality    provider.Modality
	UserID      string
	Attempt     int
	RequestedAt time.Time
	Elapsed     time.Duration
	Failed      bool
	ErrorCode   provider.Code
	Usage       provider.Usage
}

// Sink receives call records. Implementations must not block.
type Sink interface {
	Enqueue(CallRecord)
}

// TelemetryHooks returns router hooks that log every attempt and forward
// its outcome to sink. A nil sink only logs. Rate windows are not touched;
// those count logical calls and are fed by the API layer.
func TelemetryHooks(sink Sink) provider.Hooks {
	return provider.Hooks{
		BeforeCall: func(_ context.Context, call provider.CallInfo) {
			log.WithFields(log.Fields{
				"provider": call.Provider,
				"modality": call.Modality,
				"attempt":  call.Attempt,
			}).Debug("provider call started")
		},
		AfterCall: func(_ context.Context, call provider.CallInfo, outcome provider.CallOutcome) {
			rec := CallRecord{
				Provider:    call.Provider,
				Modality:    call.Modality,
				UserID:      call.UserID,
				Attempt:     call.Attempt,
				RequestedAt: time.Now().Add(-outcome.Elapsed),
				Elapsed:     outcome.Elapsed,
				Failed:      outcome.Err != nil,
			}
			if outcome.Err != nil {
				rec.ErrorCode = provider.CodeOf(outcome.Err)
			}
			if outcome.Usage != nil {
				rec.Usage = *outcome.Usage
			}
			log.WithFields(log.Fields{
				"provider": call.Provider,
				"modality": call.Modality,
				"attempt":  call.Attempt,
				"elapsed":  outcome.Elapsed,
				"tokens":   rec.Usage.TotalTokens,
			}).Debug("provider call finished")
			if sink != nil {
				sink.Enqueue(rec)
			}
		},
		OnError: func(_ context.Context, call provider.CallInfo, err error) {
			log.WithFields(log.Fields{
				"provider": call.Provider,
				"modality": call.Modality,
				"attempt":  call.Attempt,
				"code":     provider.CodeOf(err),
			}).WithError(err).Warn("provider call failed")
		},
	}
}
