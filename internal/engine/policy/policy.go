// Package policy decides whether a delivery is allowed. Checks are pure:
// callers audit the result themselves.
package policy

import "contextline/internal/domain"

const (
	ReasonInactive     = "content item inactive"
	ReasonUnregistered = "agent not registered or not approved"
	ReasonCrossLOB     = "cross-LOB access denied: policy violation"
)

// Decision is the outcome of a delivery check.
type Decision struct {
	Allowed bool
	Reason  string
}

// DeniedError carries a policy denial across the engine boundary. Denials
// are routine outcomes, not exceptional conditions.
type DeniedError struct {
	Reason string
}

func (e DeniedError) Error() string { return e.Reason }

// CheckDelivery runs the delivery checks in audit order and short-circuits
// on the first failure, so each denial lands in the ledger with a distinct
// reason:
//
//  1. the content item must be active,
//  2. the caller must resolve to a registered, approved agent,
//  3. the agent's owner team must match the item's line of business,
//     unless the item declares none.
func CheckDelivery(agent *domain.Agent, item domain.ContentItem) Decision {
	if !item.Active {
		return Decision{Reason: ReasonInactive}
	}
	if agent == nil || agent.Status != "approved" {
		return Decision{Reason: ReasonUnregistered}
	}
	if item.LineOfBusiness != "" && agent.OwnerTeam != item.LineOfBusiness {
		return Decision{Reason: ReasonCrossLOB}
	}
	return Decision{Allowed: true}
}
