package node

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestTwoNodeBootstrapOverTCP(t *testing.T) {
	cfgA := DefaultConfig("node-a")
	cfgA.Group = "boot"
	cfgA.Port = "14567"

	cfgB := DefaultConfig("node-b")
	cfgB.Group = "boot"
	cfgB.Port = "14568"
	cfgB.Seeds = []string{"127.0.0.1:14567"}

	a, err := New(cfgA)
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(cfgB)
	if err != nil {
		t.Fatal(err)
	}

	type delivery struct {
		payload string
		source  uuid.UUID
	}
	got := make(chan delivery, 1)
	b.OnDeliver(func(payload []byte, source uuid.UUID) {
		got <- delivery{string(payload), source}
	})

	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	defer a.Stop()
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	defer b.Stop()

	waitFor(t, 5*time.Second, func() bool {
		return a.NumPeers() == 1 && b.NumPeers() == 1
	}, "mesh did not establish within deadline")

	if lm := a.Topology(); len(lm) != 2 {
		t.Fatalf("topology = %v, want self plus peer", lm)
	}

	if err := a.Send([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	select {
	case d := <-got:
		if d.payload != "ping" {
			t.Fatalf("payload = %q", d.payload)
		}
		if d.source != a.UUID() {
			t.Fatalf("source = %s, want %s", d.source, a.UUID())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("datagram not delivered")
	}
}

func TestNodeLifecycle(t *testing.T) {
	config := DefaultConfig("node-lc")
	config.Group = "lc"
	config.Port = "14569"

	n, err := New(config)
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Start(); err != nil {
		t.Fatal(err)
	}
	if err := n.Start(); err != ErrAlreadyStarted {
		t.Fatalf("second Start = %v, want ErrAlreadyStarted", err)
	}

	if n.UUID() == uuid.Nil {
		t.Fatal("node uuid not assigned")
	}
	if n.ListenAddr() != "tcp://127.0.0.1:14569" {
		t.Fatalf("listen addr = %q", n.ListenAddr())
	}

	if err := n.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := n.Stop(); err != ErrNotStarted {
		t.Fatalf("second Stop = %v, want ErrNotStarted", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	config := DefaultConfig("")
	if _, err := New(config); err == nil {
		t.Fatal("expected error for empty node id")
	}
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}
