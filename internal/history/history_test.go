package history

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tbourn/go-relay-backend/internal/domain"
)

func TestNew_DefaultsApplied(t *testing.T) {
	s := New(0, 0)
	if s.maxMessages != DefaultMaxTurns*2 {
		t.Fatalf("maxMessages = %d, want %d", s.maxMessages, DefaultMaxTurns*2)
	}
	if s.ttl != DefaultSessionTTL {
		t.Fatalf("ttl = %v, want %v", s.ttl, DefaultSessionTTL)
	}
}

func TestGet_EmptySessionReturnsEmptySlice(t *testing.T) {
	s := New(5, time.Hour)
	got := s.Get("telegram:1")
	if got == nil || len(got) != 0 {
		t.Fatalf("Get on absent session = %#v, want empty slice", got)
	}
}

func TestAppend_Accumulates(t *testing.T) {
	s := New(5, time.Hour)
	s.AppendUser("telegram:1", "hi")
	s.AppendAssistant("telegram:1", "hello!")
	s.AppendUser("telegram:1", "what time is it?")

	got := s.Get("telegram:1")
	want := []domain.ChatTurn{
		{Role: domain.RoleUser, Content: "hi"},
		{Role: domain.RoleAssistant, Content: "hello!"},
		{Role: domain.RoleUser, Content: "what time is it?"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d turns, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("turn %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestHistoriesIsolatedBySession(t *testing.T) {
	s := New(5, time.Hour)
	s.AppendUser("telegram:1", "from one")
	s.AppendUser("telegram:2", "from two")

	if got := s.Get("telegram:1"); len(got) != 1 || got[0].Content != "from one" {
		t.Fatalf("session telegram:1 = %+v", got)
	}
	if got := s.Get("telegram:2"); len(got) != 1 || got[0].Content != "from two" {
		t.Fatalf("session telegram:2 = %+v", got)
	}
}

func TestSessionKeysNamespacedByChannel(t *testing.T) {
	// Same numeric sender on different channels must map to disjoint
	// histories; the key includes the source prefix.
	s := New(5, time.Hour)
	s.AppendUser("telegram:123", "tg message")
	s.AppendUser("whatsapp:123", "wa message")

	if got := s.Get("telegram:123"); len(got) != 1 || got[0].Content != "tg message" {
		t.Fatalf("telegram:123 = %+v", got)
	}
	if got := s.Get("whatsapp:123"); len(got) != 1 || got[0].Content != "wa message" {
		t.Fatalf("whatsapp:123 = %+v", got)
	}
}

func TestGet_ReturnsCopyNotReference(t *testing.T) {
	s := New(5, time.Hour)
	s.AppendUser("telegram:1", "original")

	got := s.Get("telegram:1")
	got[0].Content = "mutated"

	again := s.Get("telegram:1")
	if again[0].Content != "original" {
		t.Fatalf("external mutation leaked into store: %+v", again)
	}
}

func TestTruncation_DropsOldestBeyondCap(t *testing.T) {
	s := New(2, time.Hour) // cap = 4 stored turns

	for i := 0; i < 4; i++ {
		s.AppendUser("telegram:1", fmt.Sprintf("u%d", i))
		s.AppendAssistant("telegram:1", fmt.Sprintf("a%d", i))
	}

	got := s.Get("telegram:1")
	if len(got) != 4 {
		t.Fatalf("stored %d turns, want 4", len(got))
	}
	// The oldest-first excess (u0/a0, u1/a1) is exactly what was dropped,
	// and role alternation survives in the tail.
	want := []domain.ChatTurn{
		{Role: domain.RoleUser, Content: "u2"},
		{Role: domain.RoleAssistant, Content: "a2"},
		{Role: domain.RoleUser, Content: "u3"},
		{Role: domain.RoleAssistant, Content: "a3"},
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("turn %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestClear_RemovesSession(t *testing.T) {
	s := New(5, time.Hour)
	s.AppendUser("telegram:1", "hi")
	s.Clear("telegram:1")
	if got := s.Get("telegram:1"); len(got) != 0 {
		t.Fatalf("history after Clear = %+v", got)
	}
	if s.Sessions() != 0 {
		t.Fatalf("Sessions() = %d after Clear", s.Sessions())
	}
}

func TestClear_AbsentSessionIsSafe(t *testing.T) {
	s := New(5, time.Hour)
	s.Clear("telegram:never-seen") // must not panic
}

func TestStaleSessionsEvictedOnAppendUser(t *testing.T) {
	s := New(5, time.Hour)
	s.AppendUser("telegram:stale", "old message")

	// Age the session past the TTL.
	s.mu.Lock()
	s.sessions["telegram:stale"].lastSeen = time.Now().Add(-2 * time.Hour)
	s.mu.Unlock()

	// An inbound message on a DIFFERENT session triggers the sweep.
	s.AppendUser("telegram:fresh", "new message")

	if got := s.Get("telegram:stale"); len(got) != 0 {
		t.Fatalf("stale session survived sweep: %+v", got)
	}
	if got := s.Get("telegram:fresh"); len(got) != 1 {
		t.Fatalf("fresh session = %+v", got)
	}
}

func TestActiveSessionsSurviveSweep(t *testing.T) {
	s := New(5, time.Hour)
	s.AppendUser("telegram:active", "recent")

	// Within TTL: not evicted by a sweep on another session.
	s.mu.Lock()
	s.sessions["telegram:active"].lastSeen = time.Now().Add(-30 * time.Minute)
	s.mu.Unlock()

	s.AppendUser("telegram:other", "trigger sweep")

	if got := s.Get("telegram:active"); len(got) != 1 {
		t.Fatalf("active session was evicted: %+v", got)
	}
}

func TestAppendAssistantDoesNotSweep(t *testing.T) {
	s := New(5, time.Hour)
	s.AppendUser("telegram:stale", "old")

	s.mu.Lock()
	s.sessions["telegram:stale"].lastSeen = time.Now().Add(-2 * time.Hour)
	s.mu.Unlock()

	// Assistant appends refresh their own session but never sweep others.
	s.AppendAssistant("telegram:other", "reply")

	if got := s.Get("telegram:stale"); len(got) != 1 {
		t.Fatalf("AppendAssistant swept a stale session: %+v", got)
	}
}

func TestConcurrentAppends(t *testing.T) {
	s := New(50, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("telegram:%d", n)
			for j := 0; j < 50; j++ {
				s.AppendUser(key, "u")
				s.AppendAssistant(key, "a")
				_ = s.Get(key)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		key := fmt.Sprintf("telegram:%d", i)
		if got := len(s.Get(key)); got != 100 {
			t.Fatalf("session %s has %d turns, want 100", key, got)
		}
	}
}
