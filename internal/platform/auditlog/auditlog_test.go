package auditlog

import (
	"context"
	"net"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/animus-labs/dbschedule/internal/platform/auth"
)

func TestInsertWritesIntegrityHash(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	event := Event{
		OccurredAt:   time.Date(2024, 3, 4, 5, 0, 0, 0, time.UTC),
		Actor:        "alice",
		Action:       ActionRunCancel,
		ResourceType: "run",
		ResourceID:   "run-1",
		RequestID:    "req-1",
		IP:           net.ParseIP("10.0.0.7"),
		Payload:      map[string]any{"reason": "wrong branch"},
	}
	want, err := ComputeIntegritySHA256(event, []byte(`{"reason":"wrong branch"}`))
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256: %v", err)
	}
	mock.ExpectQuery(regexp.QuoteMeta(insertEventQuery)).
		WithArgs(event.OccurredAt, "alice", "run.cancel", "run", "run-1", "req-1", "10.0.0.7", nil, []byte(`{"reason":"wrong branch"}`), want).
		WillReturnRows(sqlmock.NewRows([]string{"event_id"}).AddRow(int64(7)))

	id, err := Insert(context.Background(), db, event)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if id != 7 {
		t.Fatalf("id=%d", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestIntegrityChangesWithPayload(t *testing.T) {
	event := Event{OccurredAt: time.Unix(0, 0), Actor: "a", Action: "x", ResourceType: "run", ResourceID: "1"}
	a, _ := ComputeIntegritySHA256(event, []byte(`{}`))
	b, _ := ComputeIntegritySHA256(event, []byte(`{"k":1}`))
	if a == b || len(a) != 64 {
		t.Fatalf("a=%s b=%s", a, b)
	}
}

type captureRecorder struct{ events []Event }

func (c *captureRecorder) Record(_ context.Context, e Event) error {
	c.events = append(c.events, e)
	return nil
}

func TestAuthDeny(t *testing.T) {
	rec := &captureRecorder{}
	hook := AuthDeny(rec, "releaser")
	err := hook(context.Background(), auth.DenyEvent{
		Time:       time.Now(),
		Status:     403,
		Reason:     "forbidden",
		Method:     "POST",
		Path:       "/v1/runs",
		RemoteAddr: "192.0.2.1:5555",
	})
	if err != nil {
		t.Fatalf("hook: %v", err)
	}
	if len(rec.events) != 1 {
		t.Fatalf("events=%d", len(rec.events))
	}
	e := rec.events[0]
	if e.Actor != "anonymous" || e.Action != "auth.forbidden" || e.ResourceID != "POST /v1/runs" || e.IP.String() != "192.0.2.1" {
		t.Fatalf("event=%+v", e)
	}
}

func TestEventValidate(t *testing.T) {
	if err := (Event{}).Validate(); err == nil {
		t.Fatalf("expected empty event to fail validation")
	}
}
