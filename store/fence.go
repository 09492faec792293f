package store

import (
	"time"

	"github.com/cespare/xxhash/v2"
)

// FenceEntry records the last accepted write from one producer on one
// stream. Persisted under streams/<path>/producers/<id>.
type FenceEntry struct {
	Epoch      uint64 `json:"epoch"`
	LastSeq    uint64 `json:"last_seq"`
	LastOffset string `json:"last_offset"`
	LastHash   uint64 `json:"last_hash"`
	UpdatedAt  int64  `json:"updated_at"` // unix seconds, drives TTL GC
}

// fenceDecision is the outcome of checking a producer write against the
// fence table. Exactly one of accept/duplicate is set on success; err is
// set otherwise.
type fenceDecision struct {
	accept    bool
	duplicate bool
	// prior offset to return for duplicates
	priorOffset Offset
	err         error
}

// payloadHash computes the keyed duplicate-detection hash for an append
// body. The per-stream salt keeps hashes from colliding across streams;
// this is a dedup aid, not a security property.
func payloadHash(salt uint64, payloads [][]byte) uint64 {
	d := xxhash.New()
	var sb [8]byte
	for i := 0; i < 8; i++ {
		sb[i] = byte(salt >> (8 * i))
	}
	d.Write(sb[:])
	for _, p := range payloads {
		d.Write(p)
	}
	return d.Sum64()
}

// checkFence applies the idempotent-producer rules to a single append.
// entry is nil for a first-seen producer. The caller holds the stream's
// writer lock, which is what makes the check race-free.
func checkFence(entry *FenceEntry, p Producer, hash uint64, strictStart bool) fenceDecision {
	if entry == nil {
		if strictStart && p.Seq != 0 {
			return fenceDecision{err: &SequenceGapError{Expected: 0, Received: p.Seq}}
		}
		return fenceDecision{accept: true}
	}

	if p.Epoch < entry.Epoch {
		return fenceDecision{err: &StaleEpochError{CurrentEpoch: entry.Epoch}}
	}

	if p.Epoch > entry.Epoch {
		// New epoch resets sequence tracking.
		if strictStart && p.Seq != 0 {
			return fenceDecision{err: &SequenceGapError{Expected: 0, Received: p.Seq}}
		}
		return fenceDecision{accept: true}
	}

	// Same epoch: sequence rules.
	switch {
	case p.Seq == entry.LastSeq:
		prior, perr := ParseOffset(entry.LastOffset)
		if perr != nil {
			return fenceDecision{err: perr}
		}
		if hash == entry.LastHash {
			return fenceDecision{duplicate: true, priorOffset: prior}
		}
		// Same seq, different payload: the producer is broken.
		return fenceDecision{err: &SequenceConflictError{Seq: p.Seq}}

	case p.Seq == entry.LastSeq+1:
		return fenceDecision{accept: true}

	case p.Seq < entry.LastSeq:
		// Only the most recent write's hash is retained, so an older seq
		// can only be confirmed as a duplicate if it matches that hash.
		prior, perr := ParseOffset(entry.LastOffset)
		if perr != nil {
			return fenceDecision{err: perr}
		}
		if hash == entry.LastHash {
			return fenceDecision{duplicate: true, priorOffset: prior}
		}
		return fenceDecision{err: &SequenceConflictError{Seq: p.Seq}}

	default: // p.Seq > entry.LastSeq+1
		return fenceDecision{err: &SequenceGapError{Expected: entry.LastSeq + 1, Received: p.Seq}}
	}
}

// expired reports whether the entry has been idle past ttl.
func (e *FenceEntry) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(time.Unix(e.UpdatedAt, 0)) > ttl
}
