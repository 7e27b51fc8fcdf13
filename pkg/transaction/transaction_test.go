package transaction

import "testing"

func TestCanTransitionLegalEdges(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusPending, StatusAwaitingInbound},
		{StatusPending, StatusFailed},
		{StatusAwaitingInbound, StatusInboundConfirmed},
		{StatusAwaitingInbound, StatusExpired},
		{StatusAwaitingInbound, StatusFailed},
		{StatusInboundConfirmed, StatusPayoutPending},
		{StatusInboundConfirmed, StatusFailed},
		{StatusPayoutPending, StatusCompleted},
		{StatusPayoutPending, StatusFailed},
	}
	for _, e := range legal {
		if !CanTransition(e.from, e.to) {
			t.Errorf("CanTransition(%s, %s) = false, want true", e.from, e.to)
		}
	}
}

func TestCanTransitionRejectsIllegalEdges(t *testing.T) {
	illegal := []struct{ from, to Status }{
		{StatusPending, StatusCompleted},
		{StatusPending, StatusInboundConfirmed},
		{StatusAwaitingInbound, StatusCompleted},
		{StatusInboundConfirmed, StatusAwaitingInbound}, // no back edges
		{StatusCompleted, StatusFailed},                 // terminal
		{StatusExpired, StatusAwaitingInbound},          // no re-entry
		{StatusFailed, StatusPending},
		{StatusCompleted, StatusCompleted}, // no self loops
	}
	for _, e := range illegal {
		if CanTransition(e.from, e.to) {
			t.Errorf("CanTransition(%s, %s) = true, want false", e.from, e.to)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusExpired, StatusFailed} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusAwaitingInbound, StatusInboundConfirmed, StatusPayoutPending} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestAfterHappyPathOrdering(t *testing.T) {
	path := []Status{StatusPending, StatusAwaitingInbound, StatusInboundConfirmed, StatusPayoutPending, StatusCompleted}
	for i, earlier := range path {
		for j, later := range path {
			got := later.After(earlier)
			want := j > i
			if got != want {
				t.Errorf("%s.After(%s) = %v, want %v", later, earlier, got, want)
			}
		}
	}
}

func TestAfterSideExits(t *testing.T) {
	// EXPIRED and FAILED discard any happy-path delivery.
	if !StatusExpired.After(StatusAwaitingInbound) {
		t.Error("EXPIRED should be past AWAITING_INBOUND")
	}
	if !StatusFailed.After(StatusPayoutPending) {
		t.Error("FAILED should be past PAYOUT_PENDING")
	}
	if StatusPayoutPending.After(StatusFailed) {
		t.Error("happy-path status is never past a side exit")
	}
}
