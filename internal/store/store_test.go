package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"go.uber.org/zap"

	"risk-sms/internal/messages"
)

// The stub driver records every executed statement with its bound
// parameters, so the SQL contracts can be asserted without a database.

type recordedExec struct {
	query string
	args  []driver.NamedValue
}

type execLog struct {
	mu    sync.Mutex
	execs []recordedExec
}

func (l *execLog) record(query string, args []driver.NamedValue) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.execs = append(l.execs, recordedExec{query: query, args: args})
}

func (l *execLog) last(t *testing.T) recordedExec {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.execs) == 0 {
		t.Fatal("no statement executed")
	}
	return l.execs[len(l.execs)-1]
}

type stubConn struct{ log *execLog }

func (c stubConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not implemented") }
func (c stubConn) Close() error                        { return nil }
func (c stubConn) Begin() (driver.Tx, error)           { return nil, errors.New("not implemented") }

func (c stubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.log.record(query, args)
	return driver.RowsAffected(1), nil
}

type stubDriver struct{}

func (stubDriver) Open(string) (driver.Conn, error) { return nil, errors.New("use OpenDB") }

type stubConnector struct{ log *execLog }

func (c stubConnector) Connect(context.Context) (driver.Conn, error) { return stubConn{log: c.log}, nil }
func (c stubConnector) Driver() driver.Driver                        { return stubDriver{} }

func newStubStore(t *testing.T) (*MessageStore, *execLog) {
	t.Helper()
	log := &execLog{}
	db := sql.OpenDB(stubConnector{log: log})
	t.Cleanup(func() { db.Close() })
	st := NewWithDB(db, zap.NewNop())
	st.SetMaxAttempts(5)
	return st, log
}

func checkArgs(t *testing.T, got []driver.NamedValue, want []driver.Value) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("bound %d parameters, want %d", len(got), len(want))
	}
	for i, w := range want {
		if !reflect.DeepEqual(got[i].Value, w) {
			t.Errorf("parameter $%d = %#v, want %#v", i+1, got[i].Value, w)
		}
	}
}

func intp(v int) *int       { return &v }
func strp(v string) *string { return &v }

func TestUpdateStatusBindsRetryOutcome(t *testing.T) {
	st, log := newStubStore(t)

	st.UpdateMessageStatus(context.Background(), 10, messages.StatusPending,
		intp(88), strp("command_status=88"), nil)

	exec := log.last(t)
	if exec.query != queryUpdateStatus {
		t.Fatalf("executed %q, want the outcome-update statement", exec.query)
	}
	// $2 is maxAttempts-1: the statement demotes 'P' to 'R' once the stored
	// attempt count reaches it, because the update itself adds one attempt.
	checkArgs(t, exec.args, []driver.Value{
		"P", int64(4), int64(88), "command_status=88", nil, int64(10),
	})
}

func TestUpdateStatusBindsClaim(t *testing.T) {
	st, log := newStubStore(t)

	st.UpdateMessageStatus(context.Background(), 11, messages.StatusInProgress, nil, nil, nil)

	exec := log.last(t)
	if exec.query != queryUpdateStatus {
		t.Fatalf("executed %q, want the outcome-update statement", exec.query)
	}
	// nil response fields bind as NULL so COALESCE keeps the stored values.
	checkArgs(t, exec.args, []driver.Value{
		"N", int64(4), nil, nil, nil, int64(11),
	})
}

func TestUpdateStatusBindsSentOutcome(t *testing.T) {
	st, log := newStubStore(t)

	st.UpdateMessageStatus(context.Background(), 12, messages.StatusSent,
		intp(0), strp("OK"), strp("ext-42"))

	exec := log.last(t)
	if exec.query != queryUpdateStatus {
		t.Fatalf("executed %q, want the outcome-update statement", exec.query)
	}
	checkArgs(t, exec.args, []driver.Value{
		"E", int64(4), int64(0), "OK", "ext-42", int64(12),
	})
}

func TestReleaseClaimsBindsPendingOverInProgress(t *testing.T) {
	st, log := newStubStore(t)

	st.ReleaseClaims(context.Background(), []int64{7, 8})

	exec := log.last(t)
	if exec.query != queryReleaseClaims {
		t.Fatalf("executed %q, want the claim-release statement", exec.query)
	}
	if len(exec.args) != 3 {
		t.Fatalf("bound %d parameters, want 3", len(exec.args))
	}
	if exec.args[0].Value != "P" || exec.args[2].Value != "N" {
		t.Errorf("status parameters = %#v / %#v, want P / N",
			exec.args[0].Value, exec.args[2].Value)
	}
	if got := fmt.Sprintf("%s", exec.args[1].Value); got != "{7,8}" {
		t.Errorf("id array = %q, want {7,8}", got)
	}
}

func TestReleaseClaimsSkipsEmptyBatch(t *testing.T) {
	st, log := newStubStore(t)

	st.ReleaseClaims(context.Background(), nil)

	log.mu.Lock()
	defer log.mu.Unlock()
	if len(log.execs) != 0 {
		t.Errorf("executed %d statements for an empty batch, want 0", len(log.execs))
	}
}

func TestRequeueStaleClaimsBindsStatuses(t *testing.T) {
	st, log := newStubStore(t)

	if got := st.RequeueStaleClaims(context.Background()); got != 1 {
		t.Errorf("requeued %d rows, want 1", got)
	}
	exec := log.last(t)
	if exec.query != queryRequeueStale {
		t.Fatalf("executed %q, want the stale-requeue statement", exec.query)
	}
	checkArgs(t, exec.args, []driver.Value{"P", "N"})
}

func TestFilterClaimedKeepsOrder(t *testing.T) {
	batch := []messages.SmsMessage{
		{ID: 10}, {ID: 11}, {ID: 12}, {ID: 13},
	}
	claimed := map[int64]bool{10: true, 12: true, 13: true}

	got := filterClaimed(batch, claimed)
	want := []int64{10, 12, 13}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("got[%d].ID = %d, want %d", i, got[i].ID, id)
		}
	}
}

func TestFilterClaimedEmpty(t *testing.T) {
	batch := []messages.SmsMessage{{ID: 1}, {ID: 2}}
	if got := filterClaimed(batch, map[int64]bool{}); len(got) != 0 {
		t.Errorf("len = %d, want 0", len(got))
	}
}

func TestNullableString(t *testing.T) {
	if v := nullableString(nil); v.Valid {
		t.Error("nullableString(nil) is valid")
	}
	s := "ALERTA"
	if v := nullableString(&s); !v.Valid || v.String != "ALERTA" {
		t.Errorf("nullableString = %+v", v)
	}
}

func TestNullableInt(t *testing.T) {
	if v := nullableInt(nil); v.Valid {
		t.Error("nullableInt(nil) is valid")
	}
	code := 88
	if v := nullableInt(&code); !v.Valid || v.Int64 != 88 {
		t.Errorf("nullableInt = %+v", v)
	}
}
