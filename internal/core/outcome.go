package core

// Outcome is the result code returned by the external action.
type Outcome string

const (
	OutcomeSuccess          Outcome = "SUCCESS"
	OutcomeProductNotFound  Outcome = "PRODUCT_NOT_FOUND"
	OutcomeNoAvailableProxy Outcome = "NO_AVAILABLE_PROXY"
	OutcomeError            Outcome = "ERROR"
	OutcomeErrorMaxRetries  Outcome = "ERROR_MAX_RETRIES"
)

// Known reports whether the outcome is one the executor handles explicitly.
func (o Outcome) Known() bool {
	switch o {
	case OutcomeSuccess, OutcomeProductNotFound, OutcomeNoAvailableProxy, OutcomeError, OutcomeErrorMaxRetries:
		return true
	}
	return false
}
