package smpp

import (
	"errors"
	"testing"
	"time"
)

func TestWindowOfferAndComplete(t *testing.T) {
	w := newWindow(2)

	st1, err := w.offer(1, time.Second)
	if err != nil {
		t.Fatalf("offer(1): %v", err)
	}
	if _, err := w.offer(2, time.Second); err != nil {
		t.Fatalf("offer(2): %v", err)
	}
	if w.size() != 2 {
		t.Fatalf("size = %d, want 2", w.size())
	}

	if !w.complete(&SubmitSmResp{Seq: 1, CommandStatus: StatusOK}) {
		t.Fatal("complete(1) found no slot")
	}
	resp := <-st1.resp
	if resp.CommandStatus != StatusOK {
		t.Errorf("CommandStatus = %d, want OK", resp.CommandStatus)
	}
	if w.size() != 1 {
		t.Errorf("size after complete = %d, want 1", w.size())
	}
}

func TestWindowFullTimesOut(t *testing.T) {
	w := newWindow(1)
	if _, err := w.offer(1, time.Second); err != nil {
		t.Fatalf("offer(1): %v", err)
	}
	if _, err := w.offer(2, 20*time.Millisecond); !errors.Is(err, ErrWindowFull) {
		t.Fatalf("offer on full window = %v, want ErrWindowFull", err)
	}
}

func TestWindowOfferUnblocksOnCancel(t *testing.T) {
	w := newWindow(1)
	st, _ := w.offer(1, time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := w.offer(2, 2*time.Second)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	if err := w.Cancel(1); err != nil {
		t.Fatalf("Cancel(1): %v", err)
	}
	if _, ok := <-st.resp; ok {
		t.Error("cancelled slot delivered a response")
	}
	if err := <-done; err != nil {
		t.Fatalf("offer(2) after cancel: %v", err)
	}
}

func TestWindowCancelUnknownSlot(t *testing.T) {
	w := newWindow(4)
	if err := w.Cancel(99); !errors.Is(err, ErrSlotNotFound) {
		t.Errorf("Cancel(99) = %v, want ErrSlotNotFound", err)
	}
}

func TestWindowSnapshotOrdered(t *testing.T) {
	w := newWindow(8)
	for _, seq := range []uint32{5, 2, 9} {
		if _, err := w.offer(seq, time.Second); err != nil {
			t.Fatalf("offer(%d): %v", seq, err)
		}
	}
	snap := w.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot size = %d, want 3", len(snap))
	}
	for i, want := range []uint32{2, 5, 9} {
		if snap[i].Seq != want {
			t.Errorf("snapshot[%d].Seq = %d, want %d", i, snap[i].Seq, want)
		}
		if snap[i].OfferedAt.IsZero() {
			t.Errorf("snapshot[%d].OfferedAt is zero", i)
		}
	}
}
