package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"signalpipeline/src/model"
)

// genesisHash anchors the chain: the first record's prev hash.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Store is the persistence surface the ledger writes through.
type Store interface {
	Append(ctx context.Context, rec *model.AuditRecord) error
	Last(ctx context.Context) (*model.AuditRecord, error)
	Walk(ctx context.Context, batchSize int, fn func(model.AuditRecord) error) error
}

// Ledger is the tamper-evident audit chain. Each record's hash covers its
// payload plus the previous record's hash, so any rewrite of history breaks
// every subsequent link. Appends are serialized; the chain head is cached
// after the first append.
type Ledger struct {
	store Store
	now   func() time.Time

	mu       sync.Mutex
	seq      uint64
	lastHash string
	loaded   bool
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

func chainHash(payload, prevHash string) string {
	sum := sha256.Sum256([]byte(payload + prevHash))
	return hex.EncodeToString(sum[:])
}

func (l *Ledger) loadHead(ctx context.Context) error {
	if l.loaded {
		return nil
	}

	last, err := l.store.Last(ctx)
	if err != nil {
		return fmt.Errorf("load audit chain head: %w", err)
	}

	if last == nil {
		l.seq = 0
		l.lastHash = genesisHash
	} else {
		l.seq = last.Seq
		l.lastHash = last.Hash
	}
	l.loaded = true

	return nil
}

// Append marshals payload and links it to the chain. payload must be
// JSON-serializable; marshal failure is a programming error and is surfaced,
// not swallowed.
func (l *Ledger) Append(ctx context.Context, kind string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload (%s): %w", kind, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.loadHead(ctx); err != nil {
		return err
	}

	rec := model.AuditRecord{
		Seq:       l.seq + 1,
		Kind:      kind,
		Payload:   string(body),
		PrevHash:  l.lastHash,
		Hash:      chainHash(string(body), l.lastHash),
		CreatedAt: l.now().UTC(),
	}

	if err := l.store.Append(ctx, &rec); err != nil {
		return err
	}

	l.seq = rec.Seq
	l.lastHash = rec.Hash

	return nil
}

// VerifyResult summarizes a chain verification scan.
type VerifyResult struct {
	Records  uint64
	BrokenAt *uint64 // seq of first broken link, nil when intact
}

// Verify re-scans the whole chain recomputing hashes. Pure function over the
// ordered sequence; does not mutate anything.
func (l *Ledger) Verify(ctx context.Context) (VerifyResult, error) {
	result := VerifyResult{}
	prevHash := genesisHash
	var expectSeq uint64 = 1

	err := l.store.Walk(ctx, 500, func(rec model.AuditRecord) error {
		if result.BrokenAt != nil {
			return nil
		}

		if rec.Seq != expectSeq ||
			rec.PrevHash != prevHash ||
			rec.Hash != chainHash(rec.Payload, prevHash) {
			seq := rec.Seq
			result.BrokenAt = &seq
			logger.WithFields(map[string]interface{}{
				"seq":  rec.Seq,
				"kind": rec.Kind,
			}).Warn("audit chain link broken")
			return nil
		}

		prevHash = rec.Hash
		expectSeq++
		result.Records++
		return nil
	})
	if err != nil {
		return result, err
	}

	return result, nil
}
