package saga

// NoRetry marks precondition failures the orchestrator must not retry:
// unknown saga, unknown definition or handler, a malformed step graph,
// a step declared compensable whose handler cannot compensate.
func WithNoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &noRetryErr{err: err}
}

// IsNoRetry reports whether err carries the NoRetry mark anywhere in its chain
func IsNoRetry(err error) bool {
	for err != nil {
		if _, ok := err.(*noRetryErr); ok {
			return true
		}

		unwrappable, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrappable.Unwrap()
	}

	return false
}

type noRetryErr struct {
	err error
}

func (e *noRetryErr) Error() string {
	return e.err.Error()
}

func (e *noRetryErr) Unwrap() error {
	return e.err
}

// Cause keeps compatibility with pkg/errors chains
func (e *noRetryErr) Cause() error {
	return e.err
}
