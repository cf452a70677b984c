package mesh

import "testing"

func TestMailboxOrder(t *testing.T) {
	m := newMailbox()
	var got []int
	for i := range 3 {
		if !m.post(func() { got = append(got, i) }) {
			t.Fatalf("post %d rejected", i)
		}
	}

	select {
	case <-m.ready:
	default:
		t.Fatal("ready not signalled")
	}
	for _, fn := range m.drain() {
		fn()
	}
	if len(got) != 3 || got[0] != 0 || got[1] != 1 || got[2] != 2 {
		t.Errorf("got %v, want [0 1 2]", got)
	}
	if rest := m.drain(); len(rest) != 0 {
		t.Errorf("drain after drain returned %d items", len(rest))
	}
}

func TestMailboxClose(t *testing.T) {
	m := newMailbox()
	m.post(func() {})
	m.post(func() {})

	if rest := m.close(); len(rest) != 2 {
		t.Errorf("close returned %d items, want 2", len(rest))
	}
	if m.post(func() {}) {
		t.Error("post accepted after close")
	}
}

func TestEventKindString(t *testing.T) {
	testCases := []struct {
		kind EventKind
		want string
	}{
		{Connected, "connected"},
		{Disconnected, "disconnected"},
		{MessageReceived, "message"},
		{EventKind(9), "unknown"},
	}
	for _, tc := range testCases {
		if got := tc.kind.String(); got != tc.want {
			t.Errorf("%d: got %q, want %q", tc.kind, got, tc.want)
		}
	}
}
