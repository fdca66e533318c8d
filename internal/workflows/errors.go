package workflows

import (
	"errors"

	"go.temporal.io/sdk/temporal"

	"github.com/lumaforge/luma/internal/pipeline"
	"github.com/lumaforge/luma/internal/providers"
)

// Application error types carried across the activity boundary. The workflow
// maps them onto abort reasons; Temporal must not retry any of them because
// the provider boundary already spent its own backoff budget.
const (
	ErrTypeFatalConfig    = "FatalConfigFailure"
	ErrTypeInfraExhausted = "TransientInfraExhausted"
	ErrTypePermanent      = "PermanentProviderFailure"
)

// classifyActivityError converts a provider error into a typed, non-retryable
// application error. Returns nil for nil.
func classifyActivityError(err error) error {
	if err == nil {
		return nil
	}

	var exhausted *providers.ExhaustedError
	switch {
	case errors.As(err, &exhausted):
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeInfraExhausted, err)
	case pipeline.IsFatalConfig(err):
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeFatalConfig, err)
	case providers.IsTransient(err):
		// A transient error escaping the retry wrapper means the budget is gone.
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeInfraExhausted, err)
	default:
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypePermanent, err)
	}
}

// abortReasonFor maps a failed activity's error onto the run's abort reason.
func abortReasonFor(err error) pipeline.AbortReason {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		switch appErr.Type() {
		case ErrTypeFatalConfig:
			return pipeline.ReasonFatalConfig
		case ErrTypeInfraExhausted:
			return pipeline.ReasonInfraExhausted
		}
	}
	// Permanent provider failures exhaust the stage just like infrastructure:
	// re-running without intervention cannot succeed.
	return pipeline.ReasonInfraExhausted
}

// causeFor extracts the human-readable cause from a failed activity error.
func causeFor(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Message()
	}
	return err.Error()
}
