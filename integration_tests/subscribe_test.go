package integration_tests

import (
	"fmt"
	"testing"
	"time"

	"github.com/rubiojr/chainstream/pkg/config"
	"github.com/rubiojr/chainstream/pkg/core"
	"github.com/rubiojr/chainstream/pkg/stream"
	"github.com/rubiojr/chainstream/pkg/transport"
)

func blockHeader(n int) map[string]any {
	return map[string]any{
		"number":     fmt.Sprintf("0x%x", n),
		"hash":       fmt.Sprintf("0x%064x", n),
		"parentHash": fmt.Sprintf("0x%064x", n-1),
		"timestamp":  "0x67c2f5c0",
	}
}

// TestFirstNotificationAfterSubscribe has the node push a head in the same
// write burst as the eth_subscribe response, across several sessions.
func TestFirstNotificationAfterSubscribe(t *testing.T) {
	for session := range 10 {
		node := NewFakeNode(t)
		node.NotifyOnSubscribe(func(kind string) any {
			if kind != "newHeads" {
				return nil
			}
			return blockHeader(100 + session)
		})

		cfg := config.DefaultStreamConfig()
		cfg.WSURL = node.URL()
		st, err := stream.New(cfg, transport.NewWebSocket())
		if err != nil {
			t.Fatalf("Failed to create streamer: %v", err)
		}
		heads := &collector{}
		if _, err := st.AddStream(stream.StreamConfig{ID: "heads", Source: core.NewBlocks{}, Callback: heads.callback}); err != nil {
			t.Fatalf("Failed to add heads: %v", err)
		}
		if err := st.Start(t.Context()); err != nil {
			t.Fatalf("Failed to start streamer: %v", err)
		}

		WaitFor(t, fmt.Sprintf("first head of session %d", session), func() bool {
			return len(heads.snapshot()) == 1
		})
		if got := heads.snapshot()[0].BlockNumber; got == nil || *got != uint64(100+session) {
			t.Errorf("session %d: unexpected head %v", session, got)
		}
		if m := st.Metrics(); m.Unroutable != 0 || m.ItemsRouted != 1 {
			t.Errorf("session %d: unroutable=%d routed=%d", session, m.Unroutable, m.ItemsRouted)
		}
		st.Shutdown()
	}
}

// TestSubscribeBoundedWhenNodeIsSilent checks that a node that never
// answers eth_subscribe cannot hold AddStream past the connection timeout.
func TestSubscribeBoundedWhenNodeIsSilent(t *testing.T) {
	node := NewFakeNode(t)
	node.IgnoreSubscribes(true)

	cfg := config.DefaultStreamConfig()
	cfg.WSURL = node.URL()
	cfg.ConnectionTimeout = config.Duration{Duration: 300 * time.Millisecond}
	st, err := stream.New(cfg, transport.NewWebSocket())
	if err != nil {
		t.Fatalf("Failed to create streamer: %v", err)
	}
	defer st.Shutdown()
	if err := st.Start(t.Context()); err != nil {
		t.Fatalf("Failed to start streamer: %v", err)
	}
	WaitFor(t, "connection", func() bool { return st.Status().Connected })

	begin := time.Now()
	if _, err := st.AddStream(stream.StreamConfig{ID: "heads", Source: core.NewBlocks{}}); err != nil {
		t.Fatalf("Failed to add heads: %v", err)
	}
	if elapsed := time.Since(begin); elapsed > cfg.ConnectionTimeout.Duration+time.Second {
		t.Fatalf("AddStream blocked for %s", elapsed)
	}
	WaitFor(t, "arm error", func() bool { return st.Metrics().SubscriptionErrors == 1 })
	if st.Status().Subscriptions[0].Live {
		t.Error("an unanswered subscribe must not leave a live handle")
	}

	done := make(chan struct{})
	go func() {
		st.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.ConnectionTimeout.Duration + 2*time.Second):
		t.Fatal("shutdown blocked behind the unanswered subscribe")
	}
}
