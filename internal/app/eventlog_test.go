package app

import (
	"fmt"
	"reflect"
	"testing"
)

func TestSessionLogKeepsOrder(t *testing.T) {
	l := newSessionLog(10)
	l.Note("%s → %s", "c1", "ringing")
	l.Note("%s → %s", "c1", "connected")
	l.Note("%s → %s", "c1", "ended")

	want := []string{"c1 → ringing", "c1 → connected", "c1 → ended"}
	if got := l.Tail(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Tail() = %v, want %v", got, want)
	}
}

func TestSessionLogDropsOldestWhenFull(t *testing.T) {
	l := newSessionLog(3)
	for i := 1; i <= 5; i++ {
		l.Note("event %d", i)
	}

	want := []string{"event 3", "event 4", "event 5"}
	if got := l.Tail(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Tail() = %v, want %v", got, want)
	}

	l.Note("event 6")
	if got := l.Tail(); got[0] != "event 4" || got[2] != "event 6" {
		t.Fatalf("Tail() after wrap = %v", got)
	}
}

func TestSessionLogEmptyTail(t *testing.T) {
	l := newSessionLog(4)
	if got := l.Tail(); len(got) != 0 {
		t.Fatalf("Tail() on empty log = %v", got)
	}
}

func TestSessionLogConcurrentNotes(t *testing.T) {
	l := newSessionLog(50)
	done := make(chan struct{})
	for g := 0; g < 4; g++ {
		go func(g int) {
			for i := 0; i < 25; i++ {
				l.Note("%s", fmt.Sprintf("g%d-%d", g, i))
			}
			done <- struct{}{}
		}(g)
	}
	for g := 0; g < 4; g++ {
		<-done
	}
	if got := len(l.Tail()); got != 50 {
		t.Fatalf("Tail() length = %d, want 50", got)
	}
}
