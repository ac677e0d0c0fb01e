package engine

import (
	"context"
	"testing"
	"time"

	"clipmesh/crypto"
)

func TestClipboardRelayDeliversAcrossCluster(t *testing.T) {
	a := startTestNode(t, "device-a", nil)
	b := startTestNode(t, "device-b", nil)
	joinTestCluster(t, a, b)
	linkNodes(a, b)

	if err := a.engine.ShareClipboard(context.Background(), "hello from a"); err != nil {
		t.Fatalf("ShareClipboard failed: %v", err)
	}

	waitForCondition(t, 5*time.Second, func() bool {
		text, ok := b.clipboard.lastText()
		return ok && text == "hello from a"
	})

	if !b.notifier.contains("Clipboard Received") {
		t.Fatalf("expected a delivery notification on b")
	}

	items, err := b.engine.History(10)
	if err != nil {
		t.Fatalf("list history on b: %v", err)
	}
	if len(items) != 1 || items[0].Payload.Text != "hello from a" {
		t.Fatalf("unexpected history on b: %+v", items)
	}
	if items[0].Local {
		t.Fatalf("received item must not be marked local")
	}

	own, err := a.engine.History(10)
	if err != nil {
		t.Fatalf("list history on a: %v", err)
	}
	if len(own) != 1 || !own[0].Local {
		t.Fatalf("expected one local history item on a, got %+v", own)
	}
}

func TestClipboardRelayReachesUnlinkedNode(t *testing.T) {
	a := startTestNode(t, "device-a", nil)
	b := startTestNode(t, "device-b", nil)
	c := startTestNode(t, "device-c", nil)
	joinTestCluster(t, a, b, c)

	// a only knows b, b knows everyone. Content must reach c through b's
	// relay hop.
	a.registry.InsertTrusted(b.asPeer())
	b.registry.InsertTrusted(a.asPeer())
	b.registry.InsertTrusted(c.asPeer())
	c.registry.InsertTrusted(b.asPeer())

	if err := a.engine.ShareClipboard(context.Background(), "relayed content"); err != nil {
		t.Fatalf("ShareClipboard failed: %v", err)
	}

	waitForCondition(t, 5*time.Second, func() bool {
		text, ok := c.clipboard.lastText()
		return ok && text == "relayed content"
	})

	// Let any stray forwards settle, then confirm nobody saw the payload
	// twice.
	time.Sleep(300 * time.Millisecond)
	if got := b.emitter.count(EventClipboardChange); got != 1 {
		t.Fatalf("expected exactly one delivery on b, got %d", got)
	}
	if got := c.emitter.count(EventClipboardChange); got != 1 {
		t.Fatalf("expected exactly one delivery on c, got %d", got)
	}
}

func TestClipboardDuplicateContentSuppressed(t *testing.T) {
	a := startTestNode(t, "device-a", nil)
	b := startTestNode(t, "device-b", nil)
	joinTestCluster(t, a, b)
	linkNodes(a, b)

	ctx := context.Background()
	if err := a.engine.ShareClipboard(ctx, "same text"); err != nil {
		t.Fatalf("first share failed: %v", err)
	}
	waitForCondition(t, 5*time.Second, func() bool {
		return b.emitter.count(EventClipboardChange) == 1
	})

	if err := a.engine.ShareClipboard(ctx, "same text"); err != nil {
		t.Fatalf("second share failed: %v", err)
	}
	if err := a.engine.Flush(); err != nil {
		t.Fatalf("flush after duplicate share: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	if got := b.emitter.count(EventClipboardChange); got != 1 {
		t.Fatalf("duplicate content must not re-deliver, got %d deliveries", got)
	}

	if err := a.engine.ShareClipboard(ctx, "different text"); err != nil {
		t.Fatalf("third share failed: %v", err)
	}
	waitForCondition(t, 5*time.Second, func() bool {
		return b.emitter.count(EventClipboardChange) == 2
	})
}

func TestClipboardFromForeignClusterDropped(t *testing.T) {
	a := startTestNode(t, "device-a", nil)
	b := startTestNode(t, "device-b", nil)

	keyA, err := crypto.NewClusterKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keyB, err := crypto.NewClusterKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	a.registry.SetIdentity(keyA, "cluster-a", "111111")
	b.registry.SetIdentity(keyB, "cluster-b", "222222")
	linkNodes(a, b)

	if err := a.engine.ShareClipboard(context.Background(), "secret for cluster a"); err != nil {
		t.Fatalf("ShareClipboard failed: %v", err)
	}
	if err := a.engine.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	if got := b.emitter.count(EventClipboardChange); got != 0 {
		t.Fatalf("foreign-cluster payload must be dropped, got %d deliveries", got)
	}
	if got := b.clipboard.writeCount(); got != 0 {
		t.Fatalf("foreign-cluster payload must not reach the clipboard, got %d writes", got)
	}
}

func TestDeleteHistoryPropagates(t *testing.T) {
	a := startTestNode(t, "device-a", nil)
	b := startTestNode(t, "device-b", nil)
	joinTestCluster(t, a, b)
	linkNodes(a, b)

	ctx := context.Background()
	if err := a.engine.ShareClipboard(ctx, "short lived"); err != nil {
		t.Fatalf("ShareClipboard failed: %v", err)
	}
	waitForCondition(t, 5*time.Second, func() bool {
		items, err := b.engine.History(10)
		return err == nil && len(items) == 1
	})

	items, err := a.engine.History(10)
	if err != nil || len(items) != 1 {
		t.Fatalf("unexpected history on a: %v %+v", err, items)
	}

	if err := a.engine.DeleteHistory(ctx, items[0].Payload.ID); err != nil {
		t.Fatalf("DeleteHistory failed: %v", err)
	}

	waitForCondition(t, 5*time.Second, func() bool {
		remaining, err := b.engine.History(10)
		return err == nil && len(remaining) == 0
	})
	if b.emitter.count(EventHistoryDelete) == 0 {
		t.Fatalf("expected a history-delete event on b")
	}
	if remaining, _ := a.engine.History(10); len(remaining) != 0 {
		t.Fatalf("expected empty history on a, got %+v", remaining)
	}
}
