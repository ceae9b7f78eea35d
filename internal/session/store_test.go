package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestStore_CreateTakeDelete(t *testing.T) {
	s := NewStore()
	id, err := s.Create("What is an indemnity clause?")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("id %q is not a uuid: %v", id, err)
	}
	if !s.Has(id) || s.Len() != 1 || s.Pending(id) != 1 {
		t.Fatalf("unexpected store state after create")
	}

	q, ok := s.TakePending(id)
	if !ok || q != "What is an indemnity clause?" {
		t.Fatalf("TakePending() = %q, %v", q, ok)
	}
	if _, ok := s.TakePending(id); ok {
		t.Fatal("second take must report nothing pending")
	}
	if !s.Has(id) {
		t.Fatal("taking must not delete the session")
	}

	s.Delete(id)
	s.Delete(id)
	if s.Has(id) || s.Len() != 0 {
		t.Fatal("session still present after delete")
	}
}

func TestStore_CreateRejectsBlankQuestion(t *testing.T) {
	s := NewStore()
	for _, q := range []string{"", "   ", "\n\t"} {
		if _, err := s.Create(q); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("Create(%q) error = %v", q, err)
		}
	}
	if s.Len() != 0 {
		t.Fatal("no session may be created for invalid input")
	}
}

func TestStore_TakeUnknown(t *testing.T) {
	s := NewStore()
	if _, ok := s.TakePending("missing"); ok {
		t.Fatal("unknown id must report nothing pending")
	}
	if s.Wait("missing") != nil {
		t.Fatal("Wait on unknown id should return nil")
	}
}

func TestStore_InjectedIDAndCollision(t *testing.T) {
	ids := []string{"a", "a", "b"}
	n := 0
	s := NewStore(WithIDGenerator(func() string {
		id := ids[n]
		n++
		return id
	}))
	first, _ := s.Create("q1")
	second, _ := s.Create("q2")
	if first != "a" || second != "b" {
		t.Fatalf("ids = %q, %q", first, second)
	}
}

func TestStore_RequeueGoesToHead(t *testing.T) {
	s := NewStore()
	id, _ := s.Create("first")
	q, ok := s.TakePending(id)
	if !ok || q != "first" {
		t.Fatalf("took %q, %v", q, ok)
	}
	if _, ok := s.TakePending(id); ok {
		t.Fatal("a taken question must not be handed out twice")
	}

	if !s.Requeue(id, "retry") || !s.Requeue(id, "first") {
		t.Fatal("Requeue on live session failed")
	}
	var got []string
	for {
		q, ok := s.TakePending(id)
		if !ok {
			break
		}
		got = append(got, q)
	}
	if fmt.Sprint(got) != "[first retry]" {
		t.Fatalf("order = %v", got)
	}
	s.Delete(id)
	if s.Requeue(id, "x") {
		t.Fatal("Requeue on deleted session must fail")
	}
}

func TestStore_WaitSignalsOnCreateOnly(t *testing.T) {
	s := NewStore()
	if s.Wait("missing") != nil {
		t.Fatal("unknown session must have no wait channel")
	}
	id, _ := s.Create("first")
	wake := s.Wait(id)

	select {
	case <-wake:
	default:
		t.Fatal("create should leave a pending signal")
	}

	q, _ := s.TakePending(id)
	s.Requeue(id, q)
	select {
	case <-wake:
		t.Fatal("requeue must not signal")
	default:
	}
}

func TestStore_AttachOnce(t *testing.T) {
	s := NewStore()
	id, _ := s.Create("q")
	if !s.Attach(id) {
		t.Fatal("first attach should succeed")
	}
	if s.Attach(id) {
		t.Fatal("second attach should fail")
	}
	if s.Attach("missing") {
		t.Fatal("attach to unknown id should fail")
	}
}

func TestStore_Sweep(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(WithClock(func() time.Time { return now }))

	stale, _ := s.Create("old")
	attached, _ := s.Create("streaming")
	s.Attach(attached)

	now = now.Add(11 * time.Minute)
	fresh, _ := s.Create("new")

	if n := s.Sweep(10 * time.Minute); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	if s.Has(stale) || !s.Has(attached) || !s.Has(fresh) {
		t.Fatal("sweep removed the wrong sessions")
	}
	if n := s.Sweep(0); n != 0 {
		t.Fatal("zero ttl disables sweeping")
	}
}

func TestStore_ConcurrentTakeIsExactlyOnce(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("each queued question is taken by exactly one poller", prop.ForAll(
		func(questions, pollers int) bool {
			s := NewStore()
			id, _ := s.Create("q0")
			for i := 1; i < questions; i++ {
				s.Requeue(id, fmt.Sprintf("q%d", i))
			}

			var mu sync.Mutex
			seen := make(map[string]int)
			var wg sync.WaitGroup
			for p := 0; p < pollers; p++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						q, ok := s.TakePending(id)
						if !ok {
							return
						}
						mu.Lock()
						seen[q]++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			if len(seen) != questions {
				return false
			}
			for _, n := range seen {
				if n != 1 {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 50),
		gen.IntRange(2, 8),
	))

	properties.TestingRun(t)
}
