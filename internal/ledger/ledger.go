package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"
)

// ErrIntegrity means chain verification failed; the write path stays closed
// until an operator calls Reconcile.
var ErrIntegrity = errors.New("ledger: chain integrity failure, appends blocked until reconciled")

// genesisHash anchors the chain. It is a constant so that a replayed log
// always links back to the same root.
var genesisHash = func() string {
	sum := sha256.Sum256([]byte(`{"type":"GENESIS","version":"sentinel-1"}`))
	return hex.EncodeToString(sum[:])
}()

// Filter selects entries for Export and the query helpers. Zero values
// match everything.
type Filter struct {
	AgentID string
	Kind    EventKind
	After   time.Time
	Before  time.Time
}

func (f Filter) matches(e *Entry) bool {
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if !f.After.IsZero() && e.Timestamp.Before(f.After) {
		return false
	}
	if !f.Before.IsZero() && e.Timestamp.After(f.Before) {
		return false
	}
	return true
}

// Ledger is the append-only, tamper-evident record of every core decision.
// Appends are serialized by a single writer lock; readers observe a
// consistent prefix.
type Ledger struct {
	mu      sync.RWMutex
	store   Store
	signer  Signer
	entries []*Entry
	blocked bool
	logger  *log.Logger
}

// Open loads the chain from store. Records already present are decoded and
// become the chain prefix; verification is explicit via VerifyChain.
func Open(store Store, signer Signer, logger *log.Logger) (*Ledger, error) {
	l := &Ledger{store: store, signer: signer, logger: logger}

	err := store.Scan(func(offset int64, b []byte) bool {
		var e Entry
		if err := json.Unmarshal(b, &e); err != nil {
			// An undecodable record is tampering or corruption. Keep a
			// poisoned placeholder so chain verification reports it
			// instead of silently shortening the chain.
			if logger != nil {
				logger.Printf("[ledger] record %d is undecodable: %v", offset, err)
			}
			e = Entry{ID: uint64(offset), Kind: "CORRUPT"}
		}
		l.entries = append(l.entries, &e)
		return true
	})
	if err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Printf("[ledger] opened with %d entries (scheme=%s)", len(l.entries), signer.Scheme())
	}
	return l, nil
}

func (l *Ledger) prevHash() string {
	if len(l.entries) == 0 {
		return genesisHash
	}
	return l.entries[len(l.entries)-1].Hash
}

// Append records one event. It computes the content hash, links it to the
// previous entry, signs the pair, persists, and returns the new entry.
func (l *Ledger) Append(kind EventKind, agentID string, payload map[string]interface{}) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.blocked {
		return nil, ErrIntegrity
	}

	canonical, err := CanonicalBytes(payload)
	if err != nil {
		return nil, err
	}

	prev := l.prevHash()
	e := &Entry{
		ID:         uint64(len(l.entries)),
		Timestamp:  time.Now().UTC(),
		Kind:       kind,
		AgentID:    agentID,
		Payload:    payload,
		Hash:       entryHash(canonical, prev),
		PrevHash:   prev,
		Signature:  hex.EncodeToString(l.signer.Sign(signedMessage(canonical, prev))),
		DemoSigned: l.signer.Demo(),
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode entry: %w", err)
	}
	if _, err := l.store.Append(raw); err != nil {
		return nil, err
	}
	if err := l.store.Flush(); err != nil {
		return nil, err
	}

	l.entries = append(l.entries, e)
	return e, nil
}

// VerifyChain walks the whole chain, recomputing hashes and verifying
// signatures. On the first inconsistency it returns (false, id) and closes
// the write path.
func (l *Ledger) VerifyChain() (bool, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := genesisHash
	for _, e := range l.entries {
		canonical, err := CanonicalBytes(e.Payload)
		if err != nil {
			l.blocked = true
			return false, e.ID
		}
		if e.PrevHash != prev || e.Hash != entryHash(canonical, prev) {
			l.blocked = true
			if l.logger != nil {
				l.logger.Printf("[ledger] chain broken at entry %d", e.ID)
			}
			return false, e.ID
		}
		sig, err := hex.DecodeString(e.Signature)
		if err != nil || !l.signer.Verify(signedMessage(canonical, prev), sig) {
			l.blocked = true
			if l.logger != nil {
				l.logger.Printf("[ledger] bad signature at entry %d", e.ID)
			}
			return false, e.ID
		}
		prev = e.Hash
	}
	return true, 0
}

// Reconcile re-opens the write path after an operator has resolved an
// integrity failure. It refuses if the chain still fails verification.
func (l *Ledger) Reconcile() error {
	l.mu.Lock()
	l.blocked = false
	l.mu.Unlock()

	if ok, id := l.VerifyChain(); !ok {
		return fmt.Errorf("ledger: reconcile refused, chain still broken at entry %d", id)
	}
	return nil
}

// Snapshot appends a forensic snapshot entry for agentID. The caller
// supplies the captured state (fingerprint, recent intents, risk history).
func (l *Ledger) Snapshot(agentID, reason string, state map[string]interface{}) (*Entry, error) {
	payload := map[string]interface{}{
		"reason": reason,
		"state":  state,
	}
	return l.Append(EventForensicSnapshot, agentID, payload)
}

// Export writes matching entries to w in id order, one JSON document per
// line. The chain links are included so an external verifier can re-check
// integrity.
func (l *Ledger) Export(w io.Writer, filter Filter) error {
	l.mu.RLock()
	entries := make([]*Entry, len(l.entries))
	copy(entries, l.entries)
	l.mu.RUnlock()

	enc := json.NewEncoder(w)
	for _, e := range entries {
		if !filter.matches(e) {
			continue
		}
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("ledger: export entry %d: %w", e.ID, err)
		}
	}
	return nil
}

// Len returns the number of entries in the chain.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Entry returns the entry with the given id.
func (l *Ledger) Entry(id uint64) (*Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if id >= uint64(len(l.entries)) {
		return nil, false
	}
	return l.entries[id], true
}

// Entries returns all entries matching filter, in id order.
func (l *Ledger) Entries(filter Filter) []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Entry
	for _, e := range l.entries {
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// Summary aggregates entry counts by kind and agent, and reports whether
// the chain currently verifies.
type Summary struct {
	TotalEntries int                  `json:"total_entries"`
	ChainValid   bool                 `json:"chain_valid"`
	ByKind       map[EventKind]int    `json:"by_kind"`
	ByAgent      map[string]int       `json:"by_agent"`
	FirstEntry   *time.Time           `json:"first_entry,omitempty"`
	LastEntry    *time.Time           `json:"last_entry,omitempty"`
}

// Summarize computes a Summary over the current chain.
func (l *Ledger) Summarize() Summary {
	ok, _ := l.VerifyChain()

	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Summary{
		TotalEntries: len(l.entries),
		ChainValid:   ok,
		ByKind:       make(map[EventKind]int),
		ByAgent:      make(map[string]int),
	}
	for _, e := range l.entries {
		s.ByKind[e.Kind]++
		s.ByAgent[e.AgentID]++
	}
	if len(l.entries) > 0 {
		first := l.entries[0].Timestamp
		last := l.entries[len(l.entries)-1].Timestamp
		s.FirstEntry = &first
		s.LastEntry = &last
	}
	return s
}
