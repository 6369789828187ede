package call

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

func cand(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

func TestIceCandidateQueueBuffersUntilRelease(t *testing.T) {
	var applied []string
	q := NewIceCandidateQueue(func(c webrtc.ICECandidateInit) error {
		applied = append(applied, c.Candidate)
		return nil
	})

	for _, s := range []string{"a", "b", "c"} {
		if err := q.Put(cand(s)); err != nil {
			t.Fatal(err)
		}
	}
	if len(applied) != 0 {
		t.Fatalf("applied before release: %v", applied)
	}
	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}

	if err := q.Release(); err != nil {
		t.Fatal(err)
	}
	if got := len(applied); got != 3 {
		t.Fatalf("applied %d candidates, want 3", got)
	}
	for i, want := range []string{"a", "b", "c"} {
		if applied[i] != want {
			t.Fatalf("applied[%d] = %q, want %q", i, applied[i], want)
		}
	}
}

func TestIceCandidateQueuePassThroughAfterRelease(t *testing.T) {
	var applied []string
	q := NewIceCandidateQueue(func(c webrtc.ICECandidateInit) error {
		applied = append(applied, c.Candidate)
		return nil
	})

	if err := q.Release(); err != nil {
		t.Fatal(err)
	}
	if err := q.Put(cand("x")); err != nil {
		t.Fatal(err)
	}
	if len(applied) != 1 || applied[0] != "x" {
		t.Fatalf("applied = %v, want [x]", applied)
	}
	if q.Len() != 0 {
		t.Fatalf("Len = %d after pass-through", q.Len())
	}
}

func TestIceCandidateQueueSecondReleaseNoop(t *testing.T) {
	calls := 0
	q := NewIceCandidateQueue(func(webrtc.ICECandidateInit) error {
		calls++
		return nil
	})
	q.Put(cand("a"))
	if err := q.Release(); err != nil {
		t.Fatal(err)
	}
	if err := q.Release(); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("apply called %d times, want 1", calls)
	}
}

func TestIceCandidateQueueReleaseKeepsGoingOnError(t *testing.T) {
	bad := errors.New("bad candidate")
	var applied []string
	q := NewIceCandidateQueue(func(c webrtc.ICECandidateInit) error {
		applied = append(applied, c.Candidate)
		if c.Candidate == "b" {
			return bad
		}
		return nil
	})
	q.Put(cand("a"))
	q.Put(cand("b"))
	q.Put(cand("c"))

	if err := q.Release(); !errors.Is(err, bad) {
		t.Fatalf("Release err = %v, want %v", err, bad)
	}
	// Every candidate was still attempted.
	if len(applied) != 3 {
		t.Fatalf("applied = %v, want all three", applied)
	}
}
