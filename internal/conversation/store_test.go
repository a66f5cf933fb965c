package conversation

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestLatestHumanQuery(t *testing.T) {
	reqs := []ToolRequest{{ID: "call-1", Name: "market_research"}}

	tests := []struct {
		name  string
		turns []Turn
		want  string
	}{
		{"empty", nil, ""},
		{"no human turns", []Turn{Assistant("hello")}, ""},
		{"human last", []Turn{Human("first"), Assistant("a"), Human("second")}, "second"},
		{
			"assistant and tool turns after human",
			[]Turn{
				Human("What are NVIDIA's tail risks?"),
				AssistantRequests("", reqs),
				Status("researching"),
				ToolResult("call-1", "market_research", "{}", false),
			},
			"What are NVIDIA's tail risks?",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LatestHumanQuery(tt.turns); got != tt.want {
				t.Errorf("LatestHumanQuery() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMerge_ConcatenatesInOrder(t *testing.T) {
	a := []Turn{Human("q")}
	b := []Turn{Assistant("one")}
	c := []Turn{Status("s1"), Status("s1")}

	got := Merge(a, b, c)
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4 (no deduplication)", len(got))
	}
	want := []string{"q", "one", "s1", "s1"}
	for i, w := range want {
		if got[i].Content != w {
			t.Errorf("turn %d = %q, want %q", i, got[i].Content, w)
		}
	}
}

func TestAppend_ReturnsUpdatedSequence(t *testing.T) {
	s := NewMemoryStore()

	seq, err := s.Append("s1", Human("hi"))
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if len(seq) != 1 {
		t.Fatalf("len = %d, want 1", len(seq))
	}

	seq, err = s.Append("s1", Assistant("hello"), Status("x"))
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if len(seq) != 3 || seq[0].Content != "hi" || seq[2].Content != "x" {
		t.Errorf("unexpected sequence: %+v", seq)
	}

	// Mutating the returned copy must not affect the store.
	seq[0].Content = "tampered"
	if got := s.Turns("s1")[0].Content; got != "hi" {
		t.Errorf("store mutated through returned slice: %q", got)
	}
}

func TestAppend_RejectsInvalidRole(t *testing.T) {
	s := NewMemoryStore()
	bad := Human("x")
	bad.Role = "system"

	_, err := s.Append("s1", bad)
	var roleErr *ErrInvalidRole
	if !errors.As(err, &roleErr) {
		t.Fatalf("err = %v, want ErrInvalidRole", err)
	}
	if s.Turns("s1") != nil {
		t.Error("rejected append should not create the session")
	}
}

func TestAppend_ToolResultMustAnswerPendingCall(t *testing.T) {
	s := NewMemoryStore()
	reqs := []ToolRequest{{ID: "call-1", Name: "market_research"}, {ID: "call-2", Name: "market_research"}}

	if _, err := s.Append("s1", Human("q"), AssistantRequests("", reqs)); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	// Unknown id.
	_, err := s.Append("s1", ToolResult("call-9", "market_research", "x", false))
	var callErr *ErrUnknownToolCall
	if !errors.As(err, &callErr) || callErr.ToolCallID != "call-9" {
		t.Fatalf("err = %v, want ErrUnknownToolCall(call-9)", err)
	}

	// Both pending ids in one batch.
	if _, err := s.Append("s1",
		ToolResult("call-1", "market_research", "a", false),
		ToolResult("call-2", "market_research", "b", true),
	); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	// Answering twice is rejected.
	if _, err := s.Append("s1", ToolResult("call-1", "market_research", "again", false)); !errors.As(err, &callErr) {
		t.Fatalf("duplicate answer err = %v, want ErrUnknownToolCall", err)
	}
}

func TestAppend_AtomicBatch(t *testing.T) {
	s := NewMemoryStore()
	s.Append("s1", Human("q"))

	_, err := s.Append("s1", Assistant("ok"), ToolResult("nope", "x", "", false))
	if err == nil {
		t.Fatal("expected error")
	}
	if n := len(s.Turns("s1")); n != 1 {
		t.Errorf("turns = %d, want 1 (batch must be all-or-nothing)", n)
	}
}

func TestAppend_EmptySessionID(t *testing.T) {
	if _, err := NewMemoryStore().Append("", Human("x")); err == nil {
		t.Fatal("expected error for empty session id")
	}
}

func TestIterations_PerSession(t *testing.T) {
	s := NewMemoryStore()

	s.IncrementIterations("a")
	s.IncrementIterations("a")
	if got := s.IncrementIterations("b"); got != 1 {
		t.Errorf("b iterations = %d, want 1", got)
	}
	if got := s.Iterations("a"); got != 2 {
		t.Errorf("a iterations = %d, want 2", got)
	}

	s.ResetIterations("a")
	if got := s.Iterations("a"); got != 0 {
		t.Errorf("a after reset = %d, want 0", got)
	}
	if got := s.Iterations("b"); got != 1 {
		t.Errorf("resetting a changed b: %d", got)
	}
	if got := s.Iterations("unknown"); got != 0 {
		t.Errorf("unknown session iterations = %d, want 0", got)
	}
}

func TestAppendHook(t *testing.T) {
	s := NewMemoryStore()
	var calls []int
	s.SetAppendHook(func(_ string, added int) { calls = append(calls, added) })

	s.Append("s1", Human("a"))
	s.Append("s1", Assistant("b"), Status("c"))
	s.Append("s1", ToolResult("missing", "x", "", false)) // rejected

	if len(calls) != 2 || calls[0] != 1 || calls[1] != 2 {
		t.Errorf("hook calls = %v, want [1 2]", calls)
	}
}

func TestDeleteAndSessions(t *testing.T) {
	s := NewMemoryStore()
	s.Append("a", Human("1"))
	s.Append("b", Human("2"), Assistant("3"))

	sums := s.Sessions()
	if len(sums) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sums))
	}
	if sums[0].ID != "b" || sums[0].Turns != 2 {
		t.Errorf("newest session first: got %+v", sums[0])
	}

	if !s.Delete("a") {
		t.Error("Delete(a) = false, want true")
	}
	if s.Delete("a") {
		t.Error("second Delete(a) = true, want false")
	}
	if len(s.Sessions()) != 1 {
		t.Error("expected one session after delete")
	}
}

func TestSnapshotRestore(t *testing.T) {
	src := NewMemoryStore()
	reqs := []ToolRequest{{ID: "c1", Name: "market_research", Arguments: map[string]any{"query": "NVDA"}}}
	src.Append("s1", Human("q"), AssistantRequests("", reqs), ToolResult("c1", "market_research", "r", false), Assistant("done"))
	src.Append("s2", Human("hello"))
	src.IncrementIterations("s1")

	dst := NewMemoryStore()
	if err := dst.Restore(src.Snapshot()); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}

	if got := len(dst.Turns("s1")); got != 4 {
		t.Errorf("s1 turns = %d, want 4", got)
	}
	if got := dst.Iterations("s1"); got != 0 {
		t.Errorf("restored iterations = %d, want 0", got)
	}
	if got := dst.Turns("s1")[1].ToolRequests[0].Arguments["query"]; got != "NVDA" {
		t.Errorf("tool request arguments lost: %v", got)
	}
}

func TestRestore_RejectsMalformed(t *testing.T) {
	snaps := []Snapshot{{ID: "s1", Turns: []Turn{ToolResult("orphan", "x", "", false)}}}
	if err := NewMemoryStore().Restore(snaps); err == nil {
		t.Fatal("expected error for orphan tool result")
	}
}

func TestRestore_TrimsUnansweredToolRequests(t *testing.T) {
	reqs := []ToolRequest{{ID: "c1", Name: "market_research"}}
	tests := []struct {
		name  string
		turns []Turn
		want  int
	}{
		{"request with no result", []Turn{Human("q"), AssistantRequests("", reqs)}, 1},
		{"status after request", []Turn{Human("q"), AssistantRequests("", reqs), Status("Researching...")}, 1},
		{"answered cycle kept", []Turn{Human("q"), AssistantRequests("", reqs), ToolResult("c1", "market_research", "r", false)}, 3},
		{"second run cut", []Turn{Human("q"), Assistant("a"), Human("q2"), AssistantRequests("", reqs)}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			if err := store.Restore([]Snapshot{{ID: "s1", Turns: tt.turns}}); err != nil {
				t.Fatalf("Restore() error: %v", err)
			}
			got := store.Turns("s1")
			if len(got) != tt.want {
				t.Fatalf("restored turns = %d, want %d", len(got), tt.want)
			}
			if len(pendingCalls(got)) != 0 {
				t.Error("restored session still has unanswered tool requests")
			}
			// The next run must be able to extend the session.
			if _, err := store.Append("s1", Human("next")); err != nil {
				t.Errorf("Append after restore: %v", err)
			}
		})
	}
}

func TestRestore_DropsSessionWithNothingSettled(t *testing.T) {
	reqs := []ToolRequest{{ID: "c1", Name: "market_research"}}
	store := NewMemoryStore()
	snaps := []Snapshot{{ID: "s1", Turns: []Turn{AssistantRequests("", reqs)}}}
	if err := store.Restore(snaps); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	if len(store.Sessions()) != 0 {
		t.Errorf("sessions = %v, want none", store.Sessions())
	}
}

func TestConcurrentSessions(t *testing.T) {
	s := NewMemoryStore()
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for range 50 {
				s.Append(id, Human("x"))
				s.IncrementIterations(id)
			}
		}(fmt.Sprintf("s%d", i))
	}
	wg.Wait()

	for i := range 8 {
		id := fmt.Sprintf("s%d", i)
		if got := len(s.Turns(id)); got != 50 {
			t.Errorf("%s turns = %d, want 50", id, got)
		}
		if got := s.Iterations(id); got != 50 {
			t.Errorf("%s iterations = %d, want 50", id, got)
		}
	}
}
