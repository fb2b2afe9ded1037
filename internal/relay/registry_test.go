package relay

import (
	"testing"
	"time"
)

func TestRegistryRejectsDuplicateConversation(t *testing.T) {
	r := NewRegistry(time.Minute, testMetrics())

	first, _ := newTestSession()
	if err := r.Add(first); err != nil {
		t.Fatalf("Add(first) error = %v", err)
	}

	second := NewSession("conv-1", "default", testMetrics(), 24000)
	second.AttachUpstream(&fakeUpstream{})
	if err := r.Add(second); err != ErrDuplicateSession {
		t.Fatalf("Add(second) error = %v, want ErrDuplicateSession", err)
	}
	if got := r.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", got)
	}
}

func TestRegistryDestroyIsIdempotent(t *testing.T) {
	r := NewRegistry(time.Minute, testMetrics())
	s, up := newTestSession()
	if err := r.Add(s); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	r.Destroy("conv-1")
	r.Destroy("conv-1")
	r.Destroy("never-existed")

	if got := r.ActiveCount(); got != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", got)
	}
	if _, _, _, _, closes := up.counts(); closes != 1 {
		t.Fatalf("upstream closes = %d, want 1", closes)
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("session not closed by Destroy")
	}
}

func TestRegistryReapsInactiveSessions(t *testing.T) {
	r := NewRegistry(20*time.Millisecond, testMetrics())

	stale, _ := newTestSession()
	if err := r.Add(stale); err != nil {
		t.Fatalf("Add(stale) error = %v", err)
	}

	fresh := NewSession("conv-2", "default", testMetrics(), 24000)
	fresh.AttachUpstream(&fakeUpstream{})
	if err := r.Add(fresh); err != nil {
		t.Fatalf("Add(fresh) error = %v", err)
	}

	time.Sleep(40 * time.Millisecond)
	fresh.HandleBinaryAudio([]byte{1})

	r.reapInactive()

	if _, ok := r.Get("conv-1"); ok {
		t.Fatal("stale session survived the reaper")
	}
	if _, ok := r.Get("conv-2"); !ok {
		t.Fatal("active session was reaped")
	}
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry(time.Minute, testMetrics())
	a, _ := newTestSession()
	b := NewSession("conv-2", "default", testMetrics(), 24000)
	b.AttachUpstream(&fakeUpstream{})

	if err := r.Add(a); err != nil {
		t.Fatalf("Add(a) error = %v", err)
	}
	if err := r.Add(b); err != nil {
		t.Fatalf("Add(b) error = %v", err)
	}

	r.CloseAll()

	if got := r.ActiveCount(); got != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", got)
	}
	for _, s := range []*Session{a, b} {
		select {
		case <-s.Done():
		default:
			t.Fatalf("session %s not closed by CloseAll", s.ID())
		}
	}
}
