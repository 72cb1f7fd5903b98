package types

// OutcomeStatus is what the webhook layer translates into a provider-facing
// HTTP status. Blocked outcomes are reported as success to the provider so
// its retry mechanism stops; the rejection is operator-visible only.
type OutcomeStatus string

const (
	StatusSuccess           OutcomeStatus = "success"
	StatusRetry             OutcomeStatus = "retry"
	StatusAlreadyProcessing OutcomeStatus = "already_processing"
	StatusBlocked           OutcomeStatus = "blocked"
	StatusError             OutcomeStatus = "error"
)

// Outcome is the result of processing one payment event.
type Outcome struct {
	Success   bool          `json:"success"`
	Status    OutcomeStatus `json:"status"`
	Message   string        `json:"message,omitempty"`
	Reference string        `json:"reference,omitempty"`
	Entity    EntityType    `json:"entity,omitempty"`
	MatchTier string        `json:"match_tier,omitempty"`
}

// ProviderSuccess reports whether the provider should be answered with a 2xx.
// Blocked and already-processing outcomes count: re-delivery cannot help.
func (o Outcome) ProviderSuccess() bool {
	switch o.Status {
	case StatusSuccess, StatusBlocked, StatusAlreadyProcessing:
		return true
	}
	return false
}
