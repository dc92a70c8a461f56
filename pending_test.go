package dbus

import "testing"

func newTestPending() *PendingCall {
	c := testRouterConn()
	pc := &PendingCall{c: c, serial: 7, done: make(chan struct{})}
	c.calls[7] = pc
	return pc
}

func TestPendingCallLatchesOneTerminalState(t *testing.T) {
	pc := newTestPending()
	reply := &Message{Kind: KindMethodReturn, ReplySerial: 7}

	pc.complete(reply)
	if pc.State() != CallCompleted {
		t.Fatalf("state = %v, want completed", pc.State())
	}
	got, err := pc.Reply()
	if err != nil || got != reply {
		t.Fatalf("Reply = %v, %v", got, err)
	}

	// Later completions, cancellations and expiries are no-ops.
	pc.complete(&Message{Kind: KindError, ErrorName: "org.x.E", ReplySerial: 7})
	pc.Cancel()
	pc.expire()
	if pc.State() != CallCompleted {
		t.Errorf("state changed after terminal: %v", pc.State())
	}
	if got, err := pc.Reply(); err != nil || got != reply {
		t.Errorf("Reply changed after terminal: %v, %v", got, err)
	}
}

func TestPendingCallCancel(t *testing.T) {
	pc := newTestPending()
	pc.Cancel()
	pc.Cancel() // idempotent
	if pc.State() != CallCancelled {
		t.Fatalf("state = %v, want cancelled", pc.State())
	}
	if _, err := pc.Reply(); err != ErrCancelled {
		t.Errorf("Reply error = %v, want ErrCancelled", err)
	}
	// Cancel removed the call from the table, so a late reply for
	// the serial finds nothing.
	if pc.c.calls[7] != nil {
		t.Error("cancelled call still in the pending table")
	}
	select {
	case <-pc.Done():
	default:
		t.Error("Done not closed after cancel")
	}
}

func TestPendingCallTimeoutState(t *testing.T) {
	pc := newTestPending()
	pc.expire()
	if pc.State() != CallTimedOut {
		t.Fatalf("state = %v, want timed out", pc.State())
	}
	if _, err := pc.Reply(); err != ErrTimeout {
		t.Errorf("Reply error = %v, want ErrTimeout", err)
	}
}

func TestPendingCallContinuations(t *testing.T) {
	pc := newTestPending()
	ran := 0
	pc.OnComplete(func(p *PendingCall) {
		if p != pc {
			t.Error("continuation got wrong call")
		}
		ran++
	})
	pc.complete(&Message{Kind: KindMethodReturn, ReplySerial: 7})
	if ran != 1 {
		t.Fatalf("continuation ran %d times, want 1", ran)
	}
	// Continuations registered after completion run immediately on
	// an unbound connection.
	pc.OnComplete(func(*PendingCall) { ran++ })
	if ran != 2 {
		t.Errorf("late continuation ran %d times total, want 2", ran)
	}
}
