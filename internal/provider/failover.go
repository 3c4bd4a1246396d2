package provider

import (
	"context"
	"errors"
	"time"

	log "github.com/nghyane/llm-failover/internal/logging"
)

type attemptFunc[T Result] func(ctx context.Context, p Provider) (T, error)

// CallText runs a chat completion with failover.
func (r *Router) CallText(ctx context.Context, req TextRequest) (TextResult, error) {
	return callWithFailover(ctx, r, ModalityText, req.UserID, req.Timeout,
		func(ctx context.Context, p Provider) (TextResult, error) { return p.Text(ctx, req) })
}

// CallImage runs an image generation with failover.
func (r *Router) CallImage(ctx context.Context, req ImageRequest) (ImageResult, error) {
	return callWithFailover(ctx, r, ModalityImage, req.UserID, req.Timeout,
		func(ctx context.Context, p Provider) (ImageResult, error) { return p.Image(ctx, req) })
}

// CallTTS runs speech synthesis with failover.
func (r *Router) CallTTS(ctx context.Context, req SpeechRequest) (SpeechResult, error) {
	return callWithFailover(ctx, r, ModalityTTS, req.UserID, req.Timeout,
		func(ctx context.Context, p Provider) (SpeechResult, error) { return p.TextToSpeech(ctx, req) })
}

// CallSTT runs transcription with failover.
func (r *Router) CallSTT(ctx context.Context, req TranscriptionRequest) (TranscriptionResult, error) {
	return callWithFailover(ctx, r, ModalitySTT, req.UserID, req.Timeout,
		func(ctx context.Context, p Provider) (TranscriptionResult, error) { return p.SpeechToText(ctx, req) })
}

// CallAgent submits an agent task. The primary must support agents; a
// fallback without agent support is dropped from the policy.
func (r *Router) CallAgent(ctx context.Context, req AgentRequest) (AgentResult, error) {
	st := r.state.Load()
	policy, err := st.resolve()
	if err != nil {
		return AgentResult{}, err
	}
	if !SupportsAgent(policy.Primary) {
		return AgentResult{}, ErrUnsupported(policy.Primary.Identifier(), string(ModalityAgent))
	}
	if policy.Fallback != nil && !SupportsAgent(policy.Fallback) {
		policy.Fallback = nil
	}
	return runPolicy(ctx, r, st, policy, ModalityAgent, req.UserID, req.Timeout,
		func(ctx context.Context, p Provider) (AgentResult, error) {
			return p.(AgentProvider).Agent(ctx, req)
		})
}

func callWithFailover[T Result](ctx context.Context, r *Router, modality Modality, userID string, timeout time.Duration, call attemptFunc[T]) (T, error) {
	st := r.state.Load()
	policy, err := st.resolve()
	if err != nil {
		var zero T
		return zero, err
	}
	return runPolicy(ctx, r, st, policy, modality, userID, timeout, call)
}

func runPolicy[T Result](ctx context.Context, r *Router, st *routerState, policy Policy, modality Modality, userID string, timeout time.Duration, call attemptFunc[T]) (T, error) {
	if timeout <= 0 {
		timeout = st.requestTimeout
	}

	info := CallInfo{Provider: policy.Primary.Identifier(), Modality: modality, UserID: userID, Attempt: 1}
	res, err := invoke(ctx, r, st.hooks, info, policy.Primary, timeout, call)
	if err == nil {
		return res, nil
	}
	if policy.Fallback == nil || !IsRetryable(err) {
		return res, err
	}

	log.WithFields(log.Fields{
		"modality": modality,
		"primary":  policy.Primary.Identifier(),
		"fallback": policy.Fallback.Identifier(),
		"code":     CodeOf(err),
	}).Warnf("primary provider failed, retrying on fallback in %s", st.retryBackoff)

	if errWait := waitBackoff(ctx, st.retryBackoff); errWait != nil {
		return res, err
	}

	info.Provider = policy.Fallback.Identifier()
	info.Attempt = 2
	return invoke(ctx, r, st.hooks, info, policy.Fallback, timeout, call)
}

// invoke runs one attempt under its own timeout, surrounded by the telemetry hooks.
func invoke[T Result](ctx context.Context, r *Router, hooks Hooks, info CallInfo, p Provider, timeout time.Duration, call attemptFunc[T]) (T, error) {
	if hooks.BeforeCall != nil {
		safeHook("before_call", info, func() { hooks.BeforeCall(ctx, info) })
	}

	attemptCtx := ctx
	if _, ok := p.(WaitBounder); ok {
		timeout = 0
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := call(attemptCtx, p)
	elapsed := time.Since(start)
	if err != nil {
		err = normalizeAttemptError(ctx, attemptCtx, p.Identifier(), err)
	}

	outcome := CallOutcome{Elapsed: elapsed, Err: err}
	if err == nil {
		usage := res.Metadata().Usage
		outcome.Usage = &usage
		r.stats.RecordSuccess(info.Provider, string(info.Modality), elapsed)
	} else {
		r.stats.RecordFailure(info.Provider, string(info.Modality))
	}

	if hooks.AfterCall != nil {
		safeHook("after_call", info, func() { hooks.AfterCall(ctx, info, outcome) })
	}
	if err != nil && hooks.OnError != nil {
		safeHook("on_error", info, func() { hooks.OnError(ctx, info, err) })
	}
	return res, err
}

// normalizeAttemptError turns bare context errors from a provider into
// classified errors so the failover decision can reason about them.
func normalizeAttemptError(parent, attempt context.Context, providerID string, err error) error {
	var perr *Error
	if errors.As(err, &perr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || (attempt.Err() != nil && parent.Err() == nil) {
		return Classify("request timed out: "+err.Error(), CodeTimeout, providerID)
	}
	if errors.Is(err, context.Canceled) {
		return Classify("request canceled", CodeUnknown, providerID)
	}
	return Classify(err.Error(), CodeUnknown, providerID)
}

func safeHook(name string, info CallInfo, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			log.WithFields(log.Fields{
				"hook":     name,
				"provider": info.Provider,
				"modality": info.Modality,
				"panic":    rec,
			}).Error("telemetry hook panicked")
		}
	}()
	fn()
}

func waitBackoff(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
