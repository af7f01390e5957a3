package peer

import (
	"errors"
	"strings"
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time      { return c.t }
func (c *clock) add(d time.Duration) { c.t = c.t.Add(d) }
func newClock() *clock               { return &clock{t: time.UnixMilli(1_700_000_000_000)} }

func req(src, dst string) Request {
	return Request{Source: src, Target: dst, SourceConnID: "conn-" + src}
}

func mustAttempt(t *testing.T, r *Registry, src, dst string) string {
	t.Helper()
	id, err := r.Attempt(req(src, dst))
	if err != nil {
		t.Fatalf("Attempt(%s, %s): %v", src, dst, err)
	}
	return id
}

func TestPairID(t *testing.T) {
	if PairID("a", "b") != PairID("b", "a") {
		t.Fatal("pair id depends on order")
	}
	if PairID("b", "a") != "a:b" {
		t.Fatalf("PairID = %q", PairID("b", "a"))
	}
}

func TestAttempt(t *testing.T) {
	clk := newClock()
	r := NewRegistry(Conf{}, clk.now)

	id := mustAttempt(t, r, "d1", "d2")
	if !strings.HasPrefix(id, "peer_") {
		t.Fatalf("request id = %q", id)
	}
	p, ok := r.ByRequestID(id)
	if !ok || p.State != StatePending || p.Initiator != "d1" || p.DeviceA != "d1" || p.DeviceB != "d2" {
		t.Fatalf("pair = %+v, %v", p, ok)
	}

	t.Run("self", func(t *testing.T) {
		if _, err := r.Attempt(req("d3", "d3")); !errors.Is(err, ErrSelf) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("rate limited", func(t *testing.T) {
		if _, err := r.Attempt(req("d1", "d9")); !errors.Is(err, ErrRateLimited) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("duplicate from either side", func(t *testing.T) {
		clk.add(2 * time.Second)
		_, err := r.Attempt(req("d2", "d1"))
		var dup *DuplicateError
		if !errors.As(err, &dup) || dup.RequestID != id || dup.State != StatePending {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("expired pending is replaced", func(t *testing.T) {
		clk.add(61 * time.Second)
		next := mustAttempt(t, r, "d1", "d2")
		if next == id {
			t.Fatal("expired request reused")
		}
		if _, ok := r.ByRequestID(id); ok {
			t.Fatal("old request still resolves")
		}
	})
}

func TestLifecycle(t *testing.T) {
	clk := newClock()
	r := NewRegistry(Conf{}, clk.now)
	id := mustAttempt(t, r, "d1", "d2")

	p, err := r.Accept(id, "conn-d2", 5000)
	if err != nil || p.State != StateInProgress || p.TargetPort != 5000 || p.SourceConnID != "conn-d1" {
		t.Fatalf("Accept = %+v, %v", p, err)
	}
	var st *StateError
	if _, err := r.Accept(id, "conn-d2", 5000); !errors.As(err, &st) || st.State != StateInProgress {
		t.Fatalf("second Accept = %v", err)
	}
	if _, err := r.Accept("peer_missing", "c", 1); !errors.Is(err, ErrNoRequest) {
		t.Fatalf("Accept unknown = %v", err)
	}

	if !r.Confirm(id) {
		t.Fatal("Confirm failed")
	}
	if got := r.Active("d2"); len(got) != 1 || got[0].State != StateConnected {
		t.Fatalf("Active = %+v", got)
	}

	if !r.Disconnect("d2", "d1", ReasonExplicit) {
		t.Fatal("Disconnect failed")
	}
	if r.Confirm(id) {
		t.Fatal("disconnected pair confirmed")
	}
	if got := r.Active("d1"); len(got) != 0 {
		t.Fatalf("Active after disconnect = %+v", got)
	}
	if r.Disconnect("d1", "d7", ReasonExplicit) {
		t.Fatal("unknown pair disconnected")
	}
}

func TestDeviceGone(t *testing.T) {
	clk := newClock()
	r := NewRegistry(Conf{}, clk.now)
	mustAttempt(t, r, "d1", "d2")
	mustAttempt(t, r, "d3", "d1")
	mustAttempt(t, r, "d4", "d5")

	if n := r.DeviceGone("d1"); n != 2 {
		t.Fatalf("DeviceGone = %d", n)
	}
	if n := r.DeviceGone("d1"); n != 0 {
		t.Fatalf("second DeviceGone = %d", n)
	}
	st := r.Stats()
	if st.Total != 3 || st.Disconnected != 2 || st.Pending != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if len(r.Active("d4")) != 1 {
		t.Fatal("unrelated pair dropped")
	}
}

func TestSweep(t *testing.T) {
	clk := newClock()
	r := NewRegistry(Conf{Linger: time.Second}, clk.now)
	gone := mustAttempt(t, r, "d1", "d2")
	r.Disconnect("d1", "d2", ReasonExplicit)
	kept := mustAttempt(t, r, "d3", "d4")
	stale := mustAttempt(t, r, "d5", "d6")
	_, _ = r.Accept(stale, "c", 1)

	if n := r.Sweep(); n != 0 {
		t.Fatalf("early sweep removed %d", n)
	}

	clk.add(31 * time.Second)
	if n := r.Sweep(); n != 2 {
		t.Fatalf("Sweep = %d", n)
	}
	for _, id := range []string{gone, stale} {
		if _, ok := r.ByRequestID(id); ok {
			t.Fatalf("%s survived the sweep", id)
		}
	}
	if _, ok := r.ByRequestID(kept); !ok {
		t.Fatal("pending pair swept before its timeout")
	}
	if st := r.Stats(); st.Total != 1 || st.Pending != 1 {
		t.Fatalf("stats = %+v", st)
	}
}
