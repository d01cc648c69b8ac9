package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"contextline/internal/app"
	"contextline/internal/config"
	"contextline/internal/db"
	"contextline/internal/domain"
	"contextline/internal/engine"
	"contextline/internal/engine/policy"
	"contextline/internal/migrate"
	"contextline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("contextline")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := app.EnsureRootOrg(ctx, eng.Repo); err != nil {
		t.Fatalf("root org: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func createItem(t *testing.T, env testEnv, name, lob string) domain.ContentItem {
	t.Helper()
	it, err := env.Engine.CreateItem(env.Ctx, engine.ItemCreateOptions{Kind: "context", Name: name, LineOfBusiness: lob})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}
	return it
}

func approveVersion(t *testing.T, env testEnv, itemID, payload string) domain.Version {
	t.Helper()
	v, err := env.Engine.ProposeVersion(env.Ctx, itemID, payload, "author", "init")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	v, err = env.Engine.ApproveVersion(env.Ctx, v.ID, "approver")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	return v
}

func approvedAgent(t *testing.T, env testEnv, agentID, team string) domain.Agent {
	t.Helper()
	a, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentRegisterOptions{AgentID: agentID, OwnerTeam: team})
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	if _, err := env.Engine.SubmitAgent(env.Ctx, a.ID); err != nil {
		t.Fatalf("submit agent: %v", err)
	}
	a, err = env.Engine.ApproveAgent(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("approve agent: %v", err)
	}
	return a
}

func ledgerCount(t *testing.T, env testEnv) int {
	t.Helper()
	var count int
	if err := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM access_log`).Scan(&count); err != nil {
		t.Fatalf("count ledger: %v", err)
	}
	return count
}

func TestVersionApprovalFlow(t *testing.T) {
	env := newTestEnv(t)
	it := createItem(t, env, "kyc-brief", "")

	v1, err := env.Engine.ProposeVersion(env.Ctx, it.ID, `{"text":"v one"}`, "alice", "first cut")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if v1.Label != 1 || v1.Status != "proposed" || v1.ContentHash == "" {
		t.Fatalf("unexpected proposed version: %+v", v1)
	}

	v1, err = env.Engine.ApproveVersion(env.Ctx, v1.ID, "bob")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if v1.Status != "approved" {
		t.Fatalf("expected approved, got %s", v1.Status)
	}
	active, err := env.Engine.ActiveVersion(env.Ctx, it.ID)
	if err != nil || active.ID != v1.ID {
		t.Fatalf("active version: %v", err)
	}

	// A second approval archives the first and repoints the item.
	v2 := approveVersion(t, env, it.ID, `{"text":"v two"}`)
	if v2.Label != 2 {
		t.Fatalf("expected label 2, got %d", v2.Label)
	}
	active, err = env.Engine.ActiveVersion(env.Ctx, it.ID)
	if err != nil || active.ID != v2.ID {
		t.Fatalf("active after second approval: %v", err)
	}
	prev, err := env.Engine.Repo.GetVersion(env.Ctx, v1.ID)
	if err != nil {
		t.Fatalf("get archived: %v", err)
	}
	if prev.Status != "archived" {
		t.Fatalf("expected archived, got %s", prev.Status)
	}
}

func TestApprovalRequiresProposedStatus(t *testing.T) {
	env := newTestEnv(t)
	it := createItem(t, env, "crm-snippet", "")
	v := approveVersion(t, env, it.ID, `{"text":"hi"}`)

	// Approving an already-approved version must fail without mutating it.
	if _, err := env.Engine.ApproveVersion(env.Ctx, v.ID, "carol"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	got, err := env.Engine.Repo.GetVersion(env.Ctx, v.ID)
	if err != nil || got.Status != "approved" {
		t.Fatalf("approved version mutated: %+v %v", got, err)
	}
	if got.Approver == nil || *got.Approver != "approver" {
		t.Fatalf("approver overwritten: %+v", got)
	}

	if _, err := env.Engine.RejectVersion(env.Ctx, v.ID, "carol"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on reject, got %v", err)
	}
}

func TestRejectedVersionNeverActivates(t *testing.T) {
	env := newTestEnv(t)
	it := createItem(t, env, "pitch-notes", "")
	v, err := env.Engine.ProposeVersion(env.Ctx, it.ID, `{"text":"draft"}`, "alice", "")
	if err != nil {
		t.Fatal(err)
	}
	v, err = env.Engine.RejectVersion(env.Ctx, v.ID, "bob")
	if err != nil || v.Status != "rejected" {
		t.Fatalf("reject: %v status=%s", err, v.Status)
	}
	if _, err := env.Engine.ActiveVersion(env.Ctx, it.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected no active version, got %v", err)
	}
}

func TestDuplicateItemName(t *testing.T) {
	env := newTestEnv(t)
	createItem(t, env, "onboarding", "")
	_, err := env.Engine.CreateItem(env.Ctx, engine.ItemCreateOptions{Kind: "prompt", Name: "onboarding"})
	if !errors.Is(err, repo.ErrDuplicate) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestContentHashIgnoresKeyOrder(t *testing.T) {
	h1, err := engine.HashContent(`{"a":1,"b":"x"}`)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := engine.HashContent(`{"b":"x","a":1}`)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("hash depends on key order: %s vs %s", h1, h2)
	}
	if _, err := engine.HashContent(`not json`); err == nil {
		t.Fatalf("expected error for invalid payload")
	}
}

func TestAgentLifecycle(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentRegisterOptions{AgentID: "bot-1", OwnerTeam: "retail"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if a.Status != "draft" {
		t.Fatalf("expected draft, got %s", a.Status)
	}
	// Approval straight from draft skips review.
	if _, err := env.Engine.ApproveAgent(env.Ctx, a.ID); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if a, err = env.Engine.SubmitAgent(env.Ctx, a.ID); err != nil || a.Status != "pending_approval" {
		t.Fatalf("submit: %v status=%s", err, a.Status)
	}
	if a, err = env.Engine.ApproveAgent(env.Ctx, a.ID); err != nil || a.Status != "approved" {
		t.Fatalf("approve: %v status=%s", err, a.Status)
	}
	// Unknown owner team is rejected at registration.
	if _, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentRegisterOptions{AgentID: "bot-2", OwnerTeam: "made-up"}); err == nil {
		t.Fatalf("expected invalid owner team")
	}
}

func TestDeliverSameLOB(t *testing.T) {
	env := newTestEnv(t)
	it := createItem(t, env, "ib-playbook", "investment_banking")
	v := approveVersion(t, env, it.ID, `{"greeting":"hello {{name}}"}`)
	approvedAgent(t, env, "ib-bot", "investment_banking")

	d, err := env.Engine.Deliver(env.Ctx, engine.DeliverOptions{
		Identifier: "ib-playbook",
		AgentID:    "ib-bot",
		TraceID:    "trace-1",
		Variables:  map[string]string{"name": "desk"},
		Origin:     "inject",
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if d.Version.ID != v.ID || d.Format != "structured" {
		t.Fatalf("unexpected delivery: %+v", d)
	}
	if !strings.Contains(string(d.Body), "hello desk") {
		t.Fatalf("variables not substituted: %s", d.Body)
	}

	entries, err := env.Engine.Repo.AccessByAgent(env.Ctx, "ib-bot", 0)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one ledger entry: %v %d", err, len(entries))
	}
	e := entries[0]
	if e.Outcome != "delivered" || e.TraceID != "trace-1" || e.VersionID == nil || *e.VersionID != v.ID {
		t.Fatalf("bad ledger entry: %+v", e)
	}
}

func TestDeliverCrossLOBDenied(t *testing.T) {
	env := newTestEnv(t)
	it := createItem(t, env, "ib-playbook", "investment_banking")
	approveVersion(t, env, it.ID, `{"text":"secret"}`)
	approvedAgent(t, env, "wm-bot", "wealth_management")

	_, err := env.Engine.Deliver(env.Ctx, engine.DeliverOptions{
		Identifier: "ib-playbook",
		AgentID:    "wm-bot",
		TraceID:    "trace-2",
	})
	var denied policy.DeniedError
	if !errors.As(err, &denied) || denied.Reason != policy.ReasonCrossLOB {
		t.Fatalf("expected cross-LOB denial, got %v", err)
	}
	entries, _ := env.Engine.Repo.AccessByAgent(env.Ctx, "wm-bot", 0)
	if len(entries) != 1 || entries[0].Outcome != "denied" || entries[0].Reason != policy.ReasonCrossLOB {
		t.Fatalf("denial not audited: %+v", entries)
	}
}

func TestDeliverUnrestrictedItem(t *testing.T) {
	env := newTestEnv(t)
	it := createItem(t, env, "shared-glossary", "")
	approveVersion(t, env, it.ID, `{"text":"common"}`)
	approvedAgent(t, env, "any-bot", "retail")

	if _, err := env.Engine.Deliver(env.Ctx, engine.DeliverOptions{
		Identifier: "shared-glossary", AgentID: "any-bot", TraceID: "trace-3",
	}); err != nil {
		t.Fatalf("unrestricted item should deliver to any approved agent: %v", err)
	}
}

func TestDeliverUnregisteredAgent(t *testing.T) {
	env := newTestEnv(t)
	it := createItem(t, env, "kb", "")
	approveVersion(t, env, it.ID, `{"text":"x"}`)

	_, err := env.Engine.Deliver(env.Ctx, engine.DeliverOptions{Identifier: "kb", AgentID: "ghost", TraceID: "t"})
	var denied policy.DeniedError
	if !errors.As(err, &denied) || denied.Reason != policy.ReasonUnregistered {
		t.Fatalf("expected unregistered denial, got %v", err)
	}
}

func TestDeliverInactiveItem(t *testing.T) {
	env := newTestEnv(t)
	it := createItem(t, env, "old-brief", "")
	approveVersion(t, env, it.ID, `{"text":"x"}`)
	approvedAgent(t, env, "bot", "retail")
	if _, err := env.Engine.SetItemActive(env.Ctx, it.ID, false); err != nil {
		t.Fatal(err)
	}

	_, err := env.Engine.Deliver(env.Ctx, engine.DeliverOptions{Identifier: "old-brief", AgentID: "bot", TraceID: "t"})
	var denied policy.DeniedError
	if !errors.As(err, &denied) || denied.Reason != policy.ReasonInactive {
		t.Fatalf("expected inactive denial, got %v", err)
	}
}

func TestDeliverNoApprovedVersion(t *testing.T) {
	env := newTestEnv(t)
	createItem(t, env, "empty-item", "")
	approvedAgent(t, env, "bot", "retail")

	_, err := env.Engine.Deliver(env.Ctx, engine.DeliverOptions{Identifier: "empty-item", AgentID: "bot", TraceID: "t"})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	entries, _ := env.Engine.Repo.AccessByAgent(env.Ctx, "bot", 0)
	if len(entries) != 1 || entries[0].Reason != "no approved version" {
		t.Fatalf("expected audited denial: %+v", entries)
	}
}

func TestDeliverValidationBeforeLedger(t *testing.T) {
	env := newTestEnv(t)
	it := createItem(t, env, "kb", "")
	approveVersion(t, env, it.ID, `{"text":"x"}`)

	if _, err := env.Engine.Deliver(env.Ctx, engine.DeliverOptions{Identifier: "kb", AgentID: "bot"}); err == nil {
		t.Fatalf("expected missing trace error")
	}
	if _, err := env.Engine.Deliver(env.Ctx, engine.DeliverOptions{Identifier: "kb", TraceID: "t"}); err == nil {
		t.Fatalf("expected missing agent error")
	}
	if _, err := env.Engine.Deliver(env.Ctx, engine.DeliverOptions{Identifier: "missing", AgentID: "a", TraceID: "t"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if n := ledgerCount(t, env); n != 0 {
		t.Fatalf("validation failures must not reach the ledger, got %d rows", n)
	}
}

func TestTaskExecutesExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	it := createItem(t, env, "brief", "")
	approveVersion(t, env, it.ID, `{"text":"ok"}`)
	approvedAgent(t, env, "bot", "retail")

	input, _ := json.Marshal(engine.SkillInput{Name: "brief", AgentID: "bot", TraceID: "t-1"})
	task, err := env.Engine.CreateTask(env.Ctx, "get_context", input)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Status != "submitted" {
		t.Fatalf("expected submitted, got %s", task.Status)
	}

	task, err = env.Engine.ExecuteTask(env.Ctx, task.ID, "test")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if task.Status != "completed" || task.OutputJSON == nil {
		t.Fatalf("expected completed with output: %+v", task)
	}
	var result engine.SkillResult
	if err := json.Unmarshal([]byte(*task.OutputJSON), &result); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if result.Item != "brief" || result.VersionLabel != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	// Re-execution of a finished task is refused.
	if _, err := env.Engine.ExecuteTask(env.Ctx, task.ID, "test"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestTaskSkillFailureLandsInTask(t *testing.T) {
	env := newTestEnv(t)
	approvedAgent(t, env, "bot", "retail")
	input, _ := json.Marshal(engine.SkillInput{Name: "nope", AgentID: "bot", TraceID: "t"})
	task, err := env.Engine.CreateTask(env.Ctx, "get_context", input)
	if err != nil {
		t.Fatal(err)
	}
	task, err = env.Engine.ExecuteTask(env.Ctx, task.ID, "test")
	if err != nil {
		t.Fatalf("execute should not fail the call: %v", err)
	}
	if task.Status != "failed" || task.Error == nil {
		t.Fatalf("expected failed task with error: %+v", task)
	}
}

func TestCreateTaskUnknownSkill(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTask(env.Ctx, "no_such_skill", nil); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListSkillScopesToOwnerTeam(t *testing.T) {
	env := newTestEnv(t)
	ib := createItem(t, env, "ib-only", "investment_banking")
	approveVersion(t, env, ib.ID, `{"text":"a"}`)
	shared := createItem(t, env, "shared", "")
	approveVersion(t, env, shared.ID, `{"text":"b"}`)
	wm := createItem(t, env, "wm-only", "wealth_management")
	approveVersion(t, env, wm.ID, `{"text":"c"}`)
	approvedAgent(t, env, "ib-bot", "investment_banking")

	input, _ := json.Marshal(engine.SkillInput{AgentID: "ib-bot", TraceID: "t"})
	result, err := env.Engine.ExecuteSkill(env.Ctx, "list_contexts", input, "test")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	names := map[string]bool{}
	for _, item := range result.Items {
		names[item.Name] = true
	}
	if !names["ib-only"] || !names["shared"] || names["wm-only"] {
		t.Fatalf("wrong visibility: %v", names)
	}
}

func TestSingleRootOrg(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateOrg(env.Ctx, "second-root", "", ""); !errors.Is(err, repo.ErrDuplicate) {
		t.Fatalf("expected duplicate root error, got %v", err)
	}
	child, err := env.Engine.CreateOrg(env.Ctx, "markets", "Markets", "root")
	if err != nil || child.ParentID == nil {
		t.Fatalf("child org: %v", err)
	}
}
