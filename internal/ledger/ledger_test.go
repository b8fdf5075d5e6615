package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func newTestLedger(t *testing.T) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	signer := NewHMACSigner([]byte("test-key"), nil)
	l, err := Open(store, signer, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return l, store
}

func appendN(t *testing.T, l *Ledger, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		payload := map[string]interface{}{"marker": fmt.Sprintf("payload-%06d", i), "seq": i}
		if _, err := l.Append(EventIntentVerified, "agent-a", payload); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
}

func TestAppendLinksChain(t *testing.T) {
	l, _ := newTestLedger(t)
	appendN(t, l, 5)

	if l.Len() != 5 {
		t.Fatalf("Len = %d, want 5", l.Len())
	}
	prev := genesisHash
	for i := 0; i < 5; i++ {
		e, ok := l.Entry(uint64(i))
		if !ok {
			t.Fatalf("Entry(%d) missing", i)
		}
		if e.ID != uint64(i) {
			t.Errorf("entry %d: ID = %d", i, e.ID)
		}
		if e.PrevHash != prev {
			t.Errorf("entry %d: previous hash does not link to predecessor", i)
		}
		prev = e.Hash
	}
}

func TestVerifyChainIntact(t *testing.T) {
	l, _ := newTestLedger(t)
	appendN(t, l, 20)

	ok, broken := l.VerifyChain()
	if !ok {
		t.Fatalf("VerifyChain = broken at %d, want intact", broken)
	}
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	l, store := newTestLedger(t)
	appendN(t, l, 100)

	// Flip one byte inside entry 42's payload and reload (restart).
	raw, err := store.Read(42)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	idx := bytes.Index(raw, []byte("payload-000042"))
	if idx < 0 {
		t.Fatalf("marker not found in record 42")
	}
	if err := store.Corrupt(42, idx, 'x'); err != nil {
		t.Fatalf("Corrupt: %v", err)
	}

	reopened, err := Open(store, NewHMACSigner([]byte("test-key"), nil), nil)
	if err != nil {
		t.Fatalf("Open after tamper: %v", err)
	}
	ok, broken := reopened.VerifyChain()
	if ok {
		t.Fatal("VerifyChain = intact, want broken")
	}
	if broken != 42 {
		t.Errorf("first broken entry = %d, want 42", broken)
	}

	// Write path stays closed until reconciled.
	if _, err := reopened.Append(EventIntentVerified, "agent-a", map[string]interface{}{"x": 1}); !errors.Is(err, ErrIntegrity) {
		t.Errorf("Append after integrity failure = %v, want ErrIntegrity", err)
	}
	if err := reopened.Reconcile(); err == nil {
		t.Error("Reconcile succeeded on a still-broken chain")
	}
}

func TestVerifyChainDetectsBadSignature(t *testing.T) {
	l, store := newTestLedger(t)
	appendN(t, l, 3)

	// A verifier with a different key must reject every signature.
	other, err := Open(store, NewHMACSigner([]byte("wrong-key"), nil), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ok, broken := other.VerifyChain()
	if ok {
		t.Fatal("VerifyChain accepted entries signed under another key")
	}
	if broken != 0 {
		t.Errorf("first broken entry = %d, want 0", broken)
	}
}

func TestEd25519Signer(t *testing.T) {
	signer, err := NewEd25519Signer()
	if err != nil {
		t.Fatalf("NewEd25519Signer: %v", err)
	}
	if signer.Demo() {
		t.Error("ed25519 signer reports demo mode")
	}
	msg := []byte("attest this")
	sig := signer.Sign(msg)
	if !signer.Verify(msg, sig) {
		t.Error("signature does not verify")
	}
	if signer.Verify([]byte("something else"), sig) {
		t.Error("signature verified against different message")
	}

	store := NewMemoryStore()
	l, err := Open(store, signer, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e, err := l.Append(EventEnforcement, "agent-b", map[string]interface{}{"level": "PAUSE"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if e.DemoSigned {
		t.Error("ed25519 entry tagged demo_signed")
	}
	if ok, _ := l.VerifyChain(); !ok {
		t.Error("chain does not verify under ed25519")
	}
}

func TestDemoSignerTagsEntries(t *testing.T) {
	l, _ := newTestLedger(t)
	e, err := l.Append(EventIntentVerified, "agent-a", map[string]interface{}{"x": 1})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if !e.DemoSigned {
		t.Error("HMAC demo entry not tagged demo_signed")
	}
}

func TestSnapshotAppendsForensicEntry(t *testing.T) {
	l, _ := newTestLedger(t)
	e, err := l.Snapshot("agent-a", "killed on drift threshold", map[string]interface{}{
		"total_intents": 7,
	})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if e.Kind != EventForensicSnapshot {
		t.Errorf("kind = %s, want %s", e.Kind, EventForensicSnapshot)
	}
	if e.Payload["reason"] != "killed on drift threshold" {
		t.Errorf("reason = %v", e.Payload["reason"])
	}
}

func TestExportCarriesChainLinks(t *testing.T) {
	l, _ := newTestLedger(t)
	appendN(t, l, 4)

	var buf bytes.Buffer
	if err := l.Export(&buf, Filter{}); err != nil {
		t.Fatalf("Export: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("exported %d lines, want 4", len(lines))
	}
	for _, line := range lines {
		if !strings.Contains(line, `"previous_hash"`) || !strings.Contains(line, `"signature"`) {
			t.Errorf("exported line missing chain material: %s", line)
		}
	}
}

func TestEntriesFilter(t *testing.T) {
	l, _ := newTestLedger(t)
	appendN(t, l, 3)
	if _, err := l.Append(EventDriftAlert, "agent-b", map[string]interface{}{"severity": "WARNING"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if got := len(l.Entries(Filter{AgentID: "agent-b"})); got != 1 {
		t.Errorf("agent-b entries = %d, want 1", got)
	}
	if got := len(l.Entries(Filter{Kind: EventIntentVerified})); got != 3 {
		t.Errorf("intent entries = %d, want 3", got)
	}

	s := l.Summarize()
	if !s.ChainValid {
		t.Error("summary reports invalid chain")
	}
	if s.TotalEntries != 4 {
		t.Errorf("total entries = %d, want 4", s.TotalEntries)
	}
	if s.ByKind[EventDriftAlert] != 1 {
		t.Errorf("drift alert count = %d, want 1", s.ByKind[EventDriftAlert])
	}
}

func TestConcurrentAppends(t *testing.T) {
	l, _ := newTestLedger(t)

	done := make(chan error, 8)
	for g := 0; g < 8; g++ {
		go func(g int) {
			for i := 0; i < 25; i++ {
				_, err := l.Append(EventIntentVerified, fmt.Sprintf("agent-%d", g), map[string]interface{}{"i": i})
				if err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}(g)
	}
	for g := 0; g < 8; g++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent append: %v", err)
		}
	}

	if l.Len() != 200 {
		t.Fatalf("Len = %d, want 200", l.Len())
	}
	if ok, broken := l.VerifyChain(); !ok {
		t.Fatalf("chain broken at %d after concurrent appends", broken)
	}
}
