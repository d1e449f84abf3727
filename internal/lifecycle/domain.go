// internal/lifecycle/domain.go
package lifecycle

import (
	"checkoutledger/internal/inventory"
)

// Outcome is the manual resolution applied to an open checkout.
type Outcome string

const (
	OutcomeReturned Outcome = Outcome(inventory.StateReturned)
	OutcomeLost     Outcome = Outcome(inventory.StateLost)
)

// SweepResult is returned by the sweep endpoint.
type SweepResult struct {
	Transitioned int `json:"transitioned"`
}

// monitorActor is recorded on journal entries written by the sweep.
const monitorActor = "lifecycle-monitor"
