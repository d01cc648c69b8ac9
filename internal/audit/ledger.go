package audit

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// Ledger appends delivery attempts to the access_log table. Rows are
// write-once: nothing in this package updates or deletes them.
type Ledger struct {
	DB     *sql.DB
	Now    func() time.Time
	Logger *log.Logger
}

const (
	OutcomeDelivered = "delivered"
	OutcomeDenied    = "denied"
)

// Entry is the append payload for one delivery attempt.
type Entry struct {
	AgentID      string
	TraceID      string
	ResourceKind string
	ResourceID   string
	ResourceName string
	VersionID    string
	Outcome      string
	Reason       string
	Origin       string
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l Ledger) logger() *log.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return log.Default()
}

// Append writes one ledger row and reports the insert error to the caller.
func (l Ledger) Append(ctx context.Context, e Entry) error {
	ts := l.now().UTC().Format(time.RFC3339)
	_, err := l.DB.ExecContext(ctx, `INSERT INTO access_log(ts,agent_id,trace_id,resource_kind,resource_id,resource_name,version_id,outcome,reason,origin)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		ts, e.AgentID, e.TraceID, e.ResourceKind, nullable(e.ResourceID), e.ResourceName, nullable(e.VersionID), e.Outcome, nullable(e.Reason), nullable(e.Origin))
	return err
}

// Record is the delivery-path variant of Append: best-effort and
// non-blocking. A failed ledger write never changes the outcome the policy
// engine already decided; the failure goes to the operational log instead.
func (l Ledger) Record(ctx context.Context, e Entry) {
	if err := l.Append(ctx, e); err != nil {
		l.logger().Printf("audit: dropped access_log entry (agent=%s trace=%s resource=%s outcome=%s): %v",
			e.AgentID, e.TraceID, e.ResourceName, e.Outcome, err)
	}
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
