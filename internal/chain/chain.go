// Package chain implements the symmetric-key KDF chain each direction of a
// ratchet connection uses (C5): chain-key -> (message-key, next-chain-key),
// plus a bounded skipped-message-key cache for tolerating out-of-order
// delivery.
package chain

import (
	"encoding/binary"

	"ecliptix-core/internal/cryptoprim"
	"ecliptix-core/internal/errs"
)

const (
	// MaxSkippedPerChain bounds how many not-yet-delivered message keys a
	// single chain will cache at once.
	MaxSkippedPerChain = 1024
	// MaxForwardGap bounds how far ahead of the current index a single
	// deriveUpTo call is allowed to walk.
	MaxForwardGap = 2000

	infoChainStep = "ecliptix-dr-msg-v1"
)

// skippedEntry is one slot in the fixed-capacity skipped-key ring; entries
// are indexed by chain id and message index rather than a pointer-linked
// map, per the "arena + index" design note.
type skippedEntry struct {
	valid   bool
	chainID uint64
	index   uint32
	key     [32]byte
}

// Step is one direction's KDF chain.
type Step struct {
	ChainID      uint64
	Key          [32]byte
	CurrentIndex uint32
	DHPrivate    *[32]byte
	DHPublic     *[32]byte

	skipped []skippedEntry
	order   []int // insertion order of occupied slots, for FIFO eviction
}

// NewStep returns a fresh chain step seeded with key, with an empty skipped
// cache (bounded by MaxSkippedPerChain as it fills).
func NewStep(chainID uint64, key [32]byte) *Step {
	return &Step{ChainID: chainID, Key: key, skipped: make([]skippedEntry, 0, 0)}
}

// Reset replaces the chain's id and key and resets its index to zero. Skipped
// keys already cached stay in place under the chain id they were stored with.
func (s *Step) Reset(chainID uint64, key [32]byte) {
	s.ChainID = chainID
	s.Key = key
	s.CurrentIndex = 0
}

// Advance derives the next message key from the current chain key, installs
// the next chain key, and bumps the index. Overflowing CurrentIndex past
// u32::MAX is reported as NonceCounterOverflow instead of wrapping.
func (s *Step) Advance() (messageKey [32]byte, err error) {
	if s.CurrentIndex == ^uint32(0) {
		return [32]byte{}, errs.ErrNonceCounterOverflow
	}
	nextCK, mk, err := kdfChain(s.Key)
	if err != nil {
		return [32]byte{}, err
	}
	s.Key = nextCK
	s.CurrentIndex++
	return mk, nil
}

// DeriveUpTo advances the chain until CurrentIndex == targetIndex, caching
// every intermediate message key under its index, then returns the key for
// targetIndex. It enforces MaxForwardGap and MaxSkippedPerChain.
func (s *Step) DeriveUpTo(targetIndex uint32) ([32]byte, error) {
	if targetIndex < s.CurrentIndex {
		return [32]byte{}, errs.InvalidInput("chain: target index behind current index")
	}
	gap := uint64(targetIndex) - uint64(s.CurrentIndex)
	if gap > MaxForwardGap {
		return [32]byte{}, errs.ErrChainGapTooLarge
	}
	for s.CurrentIndex < targetIndex {
		idx := s.CurrentIndex
		mk, err := s.Advance()
		if err != nil {
			return [32]byte{}, err
		}
		if err := s.storeSkipped(idx, mk); err != nil {
			return [32]byte{}, err
		}
	}
	return s.Advance()
}

func (s *Step) storeSkipped(index uint32, key [32]byte) error {
	if len(s.order) >= MaxSkippedPerChain {
		// Evict the oldest occupied slot (FIFO), matching the bounded
		// fixed-capacity ring the design notes call for.
		oldest := s.order[0]
		s.order = s.order[1:]
		s.skipped[oldest].valid = false
	}
	slot := -1
	for i := range s.skipped {
		if !s.skipped[i].valid {
			slot = i
			break
		}
	}
	if slot == -1 {
		s.skipped = append(s.skipped, skippedEntry{})
		slot = len(s.skipped) - 1
	}
	s.skipped[slot] = skippedEntry{valid: true, chainID: s.ChainID, index: index, key: key}
	s.order = append(s.order, slot)
	return nil
}

// TakeSkipped atomically removes and returns the message key cached for
// (chainID, index), if present.
func (s *Step) TakeSkipped(chainID uint64, index uint32) ([32]byte, bool) {
	for i := range s.skipped {
		e := s.skipped[i]
		if e.valid && e.chainID == chainID && e.index == index {
			s.skipped[i].valid = false
			for j, slot := range s.order {
				if slot == i {
					s.order = append(s.order[:j], s.order[j+1:]...)
					break
				}
			}
			return e.key, true
		}
	}
	return [32]byte{}, false
}

// SkippedLen reports how many skipped keys are currently cached.
func (s *Step) SkippedLen() int { return len(s.order) }

// SkippedItem is one cached not-yet-delivered message key, exposed for
// persistence.
type SkippedItem struct {
	ChainID uint64
	Index   uint32
	Key     [32]byte
}

// ExportSkipped snapshots every currently cached skipped key in FIFO order.
func (s *Step) ExportSkipped() []SkippedItem {
	out := make([]SkippedItem, 0, len(s.order))
	for _, slot := range s.order {
		e := s.skipped[slot]
		if !e.valid {
			continue
		}
		out = append(out, SkippedItem{ChainID: e.chainID, Index: e.index, Key: e.key})
	}
	return out
}

// RestoreSkipped repopulates the skipped cache from a prior ExportSkipped
// snapshot, preserving insertion order for FIFO eviction.
func (s *Step) RestoreSkipped(items []SkippedItem) error {
	for _, it := range items {
		if err := s.storeSkipped(it.Index, it.Key); err != nil {
			return err
		}
	}
	return nil
}

func kdfChain(chainKey [32]byte) (nextChainKey, messageKey [32]byte, err error) {
	next, err := cryptoprim.HKDFExpand(nil, chainKey[:], []byte("ecliptix-dr-chain-v1"), 32)
	if err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	msg, err := cryptoprim.HKDFExpand(nil, chainKey[:], []byte(infoChainStep), 32)
	if err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	copy(nextChainKey[:], next)
	copy(messageKey[:], msg)
	return nextChainKey, messageKey, nil
}

// ChainIDKey packs (chainID, index) into a deterministic 12-byte key for
// callers that want a flat map instead of the Step's own ring (used by the
// replay window).
func ChainIDKey(chainID uint64, index uint32) [12]byte {
	var b [12]byte
	binary.BigEndian.PutUint64(b[:8], chainID)
	binary.BigEndian.PutUint32(b[8:], index)
	return b
}
