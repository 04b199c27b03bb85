package compiler

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/colorfulnotion/dynarec/memory"
)

const decodeCacheSize = 4096

// analyzedOp is one guest instruction of a block being compiled.
type analyzedOp struct {
	Address        uint32
	Word           insn
	Decoded        decoded
	IsBranchTarget bool
}

type codeBlock struct {
	Start    uint32
	Physical uint32
	Ops      []analyzedOp
	// FetchFault is set when not even the first instruction could be
	// fetched.
	FetchFault bool
}

// Analyzer fetches and decodes the guest instructions of a block. Decoding
// is a pure function of the word, so decoded words are kept in an LRU.
type Analyzer struct {
	mem     *memory.Memory
	decoded *lru.Cache[uint32, decoded]
}

func NewAnalyzer(mem *memory.Memory) (*Analyzer, error) {
	cache, err := lru.New[uint32, decoded](decodeCacheSize)
	if err != nil {
		return nil, err
	}
	return &Analyzer{mem: mem, decoded: cache}, nil
}

func (a *Analyzer) decode(word uint32) decoded {
	if d, ok := a.decoded.Get(word); ok {
		return d
	}
	d := decodeWord(word)
	a.decoded.Add(word, d)
	return d
}

// Analyze collects up to maxOps instructions starting at start. The block
// ends after the first instruction that leaves it, at the first word that
// does not decode, or before the first word that cannot be fetched.
func (a *Analyzer) Analyze(msr uint32, start uint32, maxOps int) *codeBlock {
	cb := &codeBlock{Start: start}
	pa, ok := a.mem.TranslateInstruction(msr, start)
	if !ok {
		cb.FetchFault = true
		return cb
	}
	cb.Physical = pa

	address := start
	for len(cb.Ops) < maxOps {
		word, ok := a.mem.FetchInstruction(msr, address)
		if !ok {
			break
		}
		d := a.decode(word)
		cb.Ops = append(cb.Ops, analyzedOp{Address: address, Word: insn(word), Decoded: d})
		if !d.valid || endsBlock(insn(word)) {
			break
		}
		address += 4
	}

	last := cb.Ops[len(cb.Ops)-1]
	if target, ok := branchTarget(last.Word, last.Address); ok {
		for i := range cb.Ops {
			if cb.Ops[i].Address == target {
				cb.Ops[i].IsBranchTarget = true
			}
		}
	}
	return cb
}

// Words returns the raw guest words of the block.
func (cb *codeBlock) Words() []uint32 {
	words := make([]uint32, len(cb.Ops))
	for i, op := range cb.Ops {
		words[i] = uint32(op.Word)
	}
	return words
}
