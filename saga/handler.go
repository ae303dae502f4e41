package saga

import (
	"context"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// StepHandler executes the business logic of one step action. payload is the
// step's payload template from the definition, sagaCtx a snapshot of the saga
// context including results of completed dependency steps keyed by step id.
// The returned result is written into the saga context under this step's id.
//
// The ctx passed to Execute is cancelled when the step's timeout elapses, as
// a best-effort signal only: the orchestrator treats the step as failed once
// the timeout fires regardless of whether the handler stops, so side effects
// may still land afterwards. Handlers are expected to be idempotent.
type StepHandler interface {
	Execute(ctx context.Context, payload map[string]interface{}, sagaCtx map[string]interface{}) (interface{}, error)
}

// Compensator is an optional capability of a StepHandler. A handler without
// it cannot roll back its step; if the step is marked compensable anyway,
// compensation of the whole saga fails.
type Compensator interface {
	Compensate(ctx context.Context, result interface{}, sagaCtx map[string]interface{}) error
}

// Validator is an optional capability of a StepHandler, checked before every
// execution attempt. Returning false counts as a regular step failure and
// goes through the same retry/backoff loop.
type Validator interface {
	Validate(payload map[string]interface{}) bool
}

// RetryPolicyProvider is an optional capability of a StepHandler overriding
// the default policy derived from the step's MaxRetries.
type RetryPolicyProvider interface {
	RetryPolicy() RetryPolicy
}

// DecodePayload maps a payload or result onto the handler's own typed struct
func DecodePayload(payload interface{}, target interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  target,
	})

	if err != nil {
		return errors.Wrap(err, "creating payload decoder")
	}

	return errors.Wrap(decoder.Decode(payload), "decoding payload")
}
