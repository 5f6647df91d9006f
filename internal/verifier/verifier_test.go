package verifier

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ctrlai/auditchain/internal/chain"
)

type fakeChecker struct {
	report chain.Report
	err    error
	calls  atomic.Int32
	ran    chan struct{}
}

func (f *fakeChecker) Verify(context.Context) (chain.Report, error) {
	f.calls.Add(1)
	if f.ran != nil {
		select {
		case f.ran <- struct{}{}:
		default:
		}
	}
	return f.report, f.err
}

func TestRunOnce(t *testing.T) {
	tests := []struct {
		name   string
		report chain.Report
		err    error
		wantOK bool
	}{
		{"valid", chain.Report{Valid: true, LinksChecked: 3}, nil, true},
		{"broken", chain.Report{BrokenAt: "e2", Reason: "link hash mismatch"}, nil, false},
		{"integrity fault", chain.Report{}, &chain.IntegrityError{AuditID: "e1"}, false},
		{"storage error", chain.Report{}, errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New(&fakeChecker{report: tt.report, err: tt.err})
			if _, ok := v.Last(); ok {
				t.Fatal("Last before any run")
			}

			res := v.RunOnce(context.Background())
			if res.OK() != tt.wantOK {
				t.Errorf("OK() = %v, want %v (result %+v)", res.OK(), tt.wantOK, res)
			}
			if (tt.err != nil) != (res.Err != "") {
				t.Errorf("Err = %q, checker error %v", res.Err, tt.err)
			}

			last, ok := v.Last()
			if !ok || last.At != res.At || last.Report != res.Report {
				t.Errorf("Last = %+v, %v", last, ok)
			}
		})
	}
}

func TestReschedule(t *testing.T) {
	v := New(&fakeChecker{})

	if err := v.Reschedule("not a schedule"); err == nil {
		t.Fatal("expected error for invalid spec")
	}
	if v.Schedule() != "" {
		t.Errorf("invalid spec was kept: %q", v.Schedule())
	}

	if err := v.Reschedule("@every 1h"); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if got := len(v.cron.Entries()); got != 1 {
		t.Fatalf("entries = %d, want 1", got)
	}

	if err := v.Reschedule("0 */6 * * *"); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if got := len(v.cron.Entries()); got != 1 {
		t.Errorf("entries after replace = %d, want 1", got)
	}
	if v.Schedule() != "0 */6 * * *" {
		t.Errorf("Schedule() = %q", v.Schedule())
	}

	if err := v.Reschedule(""); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if got := len(v.cron.Entries()); got != 0 {
		t.Errorf("entries after disable = %d, want 0", got)
	}
	if _, ok := v.Next(); ok {
		t.Error("Next reported a run while disabled")
	}
}

func TestStart_RunsOnSchedule(t *testing.T) {
	checker := &fakeChecker{report: chain.Report{Valid: true}, ran: make(chan struct{}, 1)}
	v := New(checker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := v.Reschedule("@every 1s"); err != nil {
		t.Fatal(err)
	}
	v.Start(ctx)

	select {
	case <-checker.ran:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled verification did not run")
	}

	if _, ok := v.Next(); !ok {
		t.Error("expected a next run while scheduled")
	}
	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := v.Last(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("result not recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
