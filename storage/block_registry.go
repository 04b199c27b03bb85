package storage

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/colorfulnotion/dynarec/jit"
	"github.com/colorfulnotion/dynarec/jiterrors"
	"github.com/colorfulnotion/dynarec/log"
)

const blockKeyPrefix = "blk/"

// BlockRecord is the persisted description of a finalized block. Compiles
// counts how often the same (address, mode) was compiled across cache
// clears.
type BlockRecord struct {
	Tag              uint64 `json:"tag"`
	EffectiveAddress uint32 `json:"address"`
	PhysicalAddress  uint32 `json:"physical"`
	MSRBits          uint32 `json:"msr"`
	Instructions     uint32 `json:"instructions"`
	CodeSize         uint32 `json:"code_size"`
	Cycles           uint32 `json:"cycles"`
	Fingerprint      string `json:"fingerprint"`
	Compiles         uint64 `json:"compiles"`
	RunCount         uint64 `json:"run_count"`
}

func (r BlockRecord) String() string {
	return fmt.Sprintf("%08x msr=%02x n=%d cycles=%d runs=%d compiles=%d", r.EffectiveAddress, r.MSRBits, r.Instructions, r.Cycles, r.RunCount, r.Compiles)
}

// BlockRegistry records every block the compiler finalizes, so blocks can be
// listed and profiled after the run.
type BlockRegistry struct {
	mu     sync.Mutex
	store  *PersistenceStore
	closed bool
}

// NewBlockRegistry opens a registry at path; an empty path keeps it in memory.
func NewBlockRegistry(path string) (*BlockRegistry, error) {
	store, err := NewPersistenceStore(path)
	if err != nil {
		return nil, err
	}
	return &BlockRegistry{store: store}, nil
}

// OpenBlockRegistryReadOnly opens the registry a previous run left at path.
func OpenBlockRegistryReadOnly(path string) (*BlockRegistry, error) {
	store, err := OpenPersistenceStoreReadOnly(path)
	if err != nil {
		return nil, err
	}
	return &BlockRegistry{store: store}, nil
}

func blockKey(tag uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", blockKeyPrefix, tag))
}

func (r *BlockRegistry) get(tag uint64) (BlockRecord, bool, error) {
	var rec BlockRecord
	data, ok, err := r.store.Get(blockKey(tag))
	if err != nil || !ok {
		return rec, ok, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, false, fmt.Errorf("%w: %v", jiterrors.ErrRBadRecord, err)
	}
	return rec, true, nil
}

// Register stores b, keeping the accumulated run count of an earlier
// compilation of the same tag.
func (r *BlockRegistry) Register(b *jit.JitBlock) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return jiterrors.ErrRRegistryClosed
	}
	prev, _, err := r.get(b.Tag)
	if err != nil {
		return err
	}
	rec := BlockRecord{
		Tag:              b.Tag,
		EffectiveAddress: b.EffectiveAddress,
		PhysicalAddress:  b.PhysicalAddress,
		MSRBits:          b.MSRBits,
		Instructions:     b.OriginalSize,
		CodeSize:         b.CodeSize,
		Cycles:           b.Cycles,
		Fingerprint:      hex.EncodeToString(b.Fingerprint[:]),
		Compiles:         prev.Compiles + 1,
		RunCount:         prev.RunCount,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	log.Trace(log.BlockDBMonitoring, "Register", "block", rec.String())
	return r.store.Put(blockKey(b.Tag), data)
}

// RecordRuns moves the run counts of the live blocks in cache into their
// records, zeroing the in-cache counters. Call it before the cache is
// cleared.
func (r *BlockRegistry) RecordRuns(cache *jit.BlockCache) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return jiterrors.ErrRRegistryClosed
	}
	var puts [][2][]byte
	var firstErr error
	cache.ForEach(func(b *jit.JitBlock) {
		if firstErr != nil || b.RunCount == 0 {
			return
		}
		rec, ok, err := r.get(b.Tag)
		if err != nil {
			firstErr = err
			return
		}
		if !ok {
			return
		}
		rec.RunCount += b.RunCount
		data, err := json.Marshal(rec)
		if err != nil {
			firstErr = err
			return
		}
		puts = append(puts, [2][]byte{blockKey(b.Tag), data})
		b.RunCount = 0
	})
	if firstErr != nil {
		return firstErr
	}
	if len(puts) == 0 {
		return nil
	}
	log.Debug(log.BlockDBMonitoring, "RecordRuns", "blocks", len(puts))
	return r.store.WriteBatch(puts)
}

// List returns every record ordered by tag.
func (r *BlockRegistry) List() ([]BlockRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, jiterrors.ErrRRegistryClosed
	}
	kvs, err := r.store.GetWithPrefix([]byte(blockKeyPrefix))
	if err != nil {
		return nil, err
	}
	records := make([]BlockRecord, 0, len(kvs))
	for _, kv := range kvs {
		var rec BlockRecord
		if err := json.Unmarshal(kv[1], &rec); err != nil {
			return nil, fmt.Errorf("%w: key %s: %v", jiterrors.ErrRBadRecord, kv[0], err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (r *BlockRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.store.Close()
}
