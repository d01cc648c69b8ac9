package policy_test

import (
	"testing"

	"contextline/internal/domain"
	"contextline/internal/engine/policy"
)

func agent(team, status string) *domain.Agent {
	return &domain.Agent{AgentID: "bot", OwnerTeam: team, Status: status}
}

func item(lob string, active bool) domain.ContentItem {
	return domain.ContentItem{Name: "item", LineOfBusiness: lob, Active: active}
}

func TestCheckDelivery(t *testing.T) {
	cases := []struct {
		name    string
		agent   *domain.Agent
		item    domain.ContentItem
		allowed bool
		reason  string
	}{
		{"same lob", agent("retail", "approved"), item("retail", true), true, ""},
		{"unrestricted item", agent("retail", "approved"), item("", true), true, ""},
		{"cross lob", agent("retail", "approved"), item("compliance", true), false, policy.ReasonCrossLOB},
		{"nil agent", nil, item("retail", true), false, policy.ReasonUnregistered},
		{"draft agent", agent("retail", "draft"), item("retail", true), false, policy.ReasonUnregistered},
		{"pending agent", agent("retail", "pending_approval"), item("retail", true), false, policy.ReasonUnregistered},
		{"rejected agent", agent("retail", "rejected"), item("retail", true), false, policy.ReasonUnregistered},
		{"inactive item", agent("retail", "approved"), item("retail", false), false, policy.ReasonInactive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := policy.CheckDelivery(tc.agent, tc.item)
			if d.Allowed != tc.allowed || d.Reason != tc.reason {
				t.Fatalf("got %+v, want allowed=%v reason=%q", d, tc.allowed, tc.reason)
			}
		})
	}
}

// Inactive wins over every other reason; registration wins over LOB. The
// reason order is what lands in the audit ledger, so it is fixed.
func TestReasonPrecedence(t *testing.T) {
	d := policy.CheckDelivery(nil, item("compliance", false))
	if d.Reason != policy.ReasonInactive {
		t.Fatalf("inactive should win: %+v", d)
	}
	d = policy.CheckDelivery(agent("retail", "draft"), item("compliance", true))
	if d.Reason != policy.ReasonUnregistered {
		t.Fatalf("registration should win over lob: %+v", d)
	}
}

// The check depends only on team/lob equality, not on which side is which.
func TestCrossLOBSymmetry(t *testing.T) {
	a := policy.CheckDelivery(agent("retail", "approved"), item("compliance", true))
	b := policy.CheckDelivery(agent("compliance", "approved"), item("retail", true))
	if a.Allowed || b.Allowed || a.Reason != b.Reason {
		t.Fatalf("asymmetric denial: %+v vs %+v", a, b)
	}
}
