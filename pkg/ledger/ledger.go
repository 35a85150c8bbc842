// Package ledger records sealed epochs in an append-only, hash-chained table.
//
// Each row links to its predecessor twice: through the epoch's own prior
// fingerprint, and through the ledger entry hash, so history can be verified
// without the epoch directories at hand.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Mindburn-Labs/custody/pkg/canonicalize"
	"github.com/Mindburn-Labs/custody/pkg/conform"
)

// GenesisHash is the previous entry hash of the first ledger row.
var GenesisHash = strings.Repeat("0", 64)

var ErrNotFound = errors.New("ledger: epoch not found")

// EpochRecord is one sealed epoch.
type EpochRecord struct {
	Seq              int64     `json:"seq"`
	EpochID          string    `json:"epoch_id"`
	Prior            string    `json:"prior_epoch"`
	PriorFingerprint string    `json:"prior_fingerprint"`
	Fingerprint      string    `json:"canonical_fingerprint"`
	ChainFinal       string    `json:"receipt_chain_final"`
	MerkleRoot       string    `json:"merkle_root"`
	SealedAt         time.Time `json:"sealed_at"`
	PrevEntryHash    string    `json:"prev_entry_hash"`
	EntryHash        string    `json:"entry_hash"`
}

// Ledger is an append-only store of sealed epochs.
type Ledger interface {
	// Append records r after the current tail and returns it with Seq and
	// hashes filled in. Appending an epoch already recorded with the same
	// fingerprint returns the stored record unchanged.
	Append(ctx context.Context, r EpochRecord) (EpochRecord, error)
	Get(ctx context.Context, epochID string) (EpochRecord, error)
	// List returns every record in sequence order.
	List(ctx context.Context) ([]EpochRecord, error)
	Close() error
}

// computeEntryHash hashes the canonical JSON of every field except the entry
// hash itself.
func computeEntryHash(r EpochRecord) (string, error) {
	hashable := struct {
		Seq              int64  `json:"seq"`
		EpochID          string `json:"epoch_id"`
		Prior            string `json:"prior_epoch"`
		PriorFingerprint string `json:"prior_fingerprint"`
		Fingerprint      string `json:"canonical_fingerprint"`
		ChainFinal       string `json:"receipt_chain_final"`
		MerkleRoot       string `json:"merkle_root"`
		SealedAt         string `json:"sealed_at"`
		PrevEntryHash    string `json:"prev_entry_hash"`
	}{
		Seq:              r.Seq,
		EpochID:          r.EpochID,
		Prior:            r.Prior,
		PriorFingerprint: r.PriorFingerprint,
		Fingerprint:      r.Fingerprint,
		ChainFinal:       r.ChainFinal,
		MerkleRoot:       r.MerkleRoot,
		SealedAt:         r.SealedAt.UTC().Format(time.RFC3339Nano),
		PrevEntryHash:    r.PrevEntryHash,
	}
	return canonicalize.CanonicalHash(hashable)
}

// VerifyLinks checks a full ledger listing. Every entry hash must recompute,
// every row must point at its predecessor's entry hash, and every non-first
// epoch must name the previous epoch and its fingerprint as prior.
func VerifyLinks(records []EpochRecord) error {
	prevHash := GenesisHash
	for i, r := range records {
		if r.PrevEntryHash != prevHash {
			return conform.Newf(conform.ReasonLedgerLinkBroken,
				"ledger row %d (%s) links to %s, expected %s", i, r.EpochID, short(r.PrevEntryHash), short(prevHash))
		}
		computed, err := computeEntryHash(r)
		if err != nil {
			return err
		}
		if computed != r.EntryHash {
			return conform.Newf(conform.ReasonLedgerLinkBroken,
				"ledger row %d (%s) entry hash %s does not recompute (%s)", i, r.EpochID, short(r.EntryHash), short(computed))
		}
		if i > 0 {
			prev := records[i-1]
			if r.Prior != prev.EpochID || r.PriorFingerprint != prev.Fingerprint {
				return conform.Newf(conform.ReasonLedgerLinkBroken,
					"epoch %s binds prior %s/%s, ledger predecessor is %s/%s",
					r.EpochID, r.Prior, short(r.PriorFingerprint), prev.EpochID, short(prev.Fingerprint))
			}
		}
		prevHash = r.EntryHash
	}
	return nil
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
