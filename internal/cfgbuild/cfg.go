// Package cfgbuild recovers a basic-block control-flow graph from a
// single entry address by walking instructions forward across
// fall-through and branch edges (§4.4). It does not execute anything —
// it only classifies control flow, using the same decoder contract the
// emulator uses and a plain address-space reader instead of an MMU.
package cfgbuild

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/williballenthin/Lancelot/internal/decode"
	"github.com/williballenthin/Lancelot/internal/module"
)

var log = logrus.WithField("component", "cfgbuild")

// maxInsnLen is the maximum legal x86 instruction length in bytes.
const maxInsnLen = 16

// BasicBlock is a maximal straight-line instruction sequence with a
// single entry and single exit.
type BasicBlock struct {
	// Addr is the VA of the first instruction; it is this block's
	// unique identifier within its CFG.
	Addr uint64
	// Length is the block's extent in bytes; always > 0.
	Length uint64
	// Predecessors holds the Addr of every block with an edge into
	// this one.
	Predecessors map[uint64]struct{}
	// Successors holds the Addr of every block (or dangling, outside
	// the walked region) this block flows to.
	Successors map[uint64]struct{}
}

// CFG is a basic-block graph: a map from block Addr to BasicBlock, with
// all inter-block edges closed except dangling edges that point
// outside the walked region (retained in Successors, not present as a
// key).
type CFG struct {
	Blocks map[uint64]*BasicBlock
}

// does_insn_fallthrough classification (§4.4 step 3): JMP/RET/IRET/
// IRETD/IRETQ do not fall through; every other mnemonic, including
// CALL, does. CALL's classification is a deliberate over-approximation
// pending a no-return analysis (§9 Open Question; DESIGN.md records the
// decision to keep it this way).
var nonFallthrough = map[string]bool{
	"JMP":   true,
	"RET":   true,
	"IRET":  true,
	"IRETD": true,
	"IRETQ": true,
}

func fallsThrough(mnemonic string) bool {
	return !nonFallthrough[mnemonic]
}

// isBranch reports whether mnemonic is a conditional or unconditional
// jump (every x86 jump mnemonic begins with "J": JMP, JE, JNE, JA,
// JCXZ, ...). It looks at the mnemonic only; whether the jump has an
// operand naming a target address is checked by the caller.
func isBranch(mnemonic string) bool {
	return strings.HasPrefix(mnemonic, "J")
}

type insnInfo struct {
	length          int
	fallsThrough    bool
	branchTarget    uint64
	hasBranchTarget bool
}

type builder struct {
	d  decode.Decoder
	as module.AddressSpace

	insns      map[uint64]insnInfo
	blockOwner map[uint64]uint64 // instruction VA -> owning block Addr
	blockInsns map[uint64][]uint64
	blocks     map[uint64]*BasicBlock

	worklist []uint64
	queued   map[uint64]bool
}

// BuildCFG walks instructions reachable from seed, using d to decode
// and as to read bytes, producing a closed basic-block graph.
func BuildCFG(d decode.Decoder, as module.AddressSpace, seed uint64) *CFG {
	b := &builder{
		d:          d,
		as:         as,
		insns:      make(map[uint64]insnInfo),
		blockOwner: make(map[uint64]uint64),
		blockInsns: make(map[uint64][]uint64),
		blocks:     make(map[uint64]*BasicBlock),
		queued:     make(map[uint64]bool),
	}
	b.enqueue(seed)

	for len(b.worklist) > 0 {
		// pop from the back, matching the reference worklist discipline.
		start := b.worklist[len(b.worklist)-1]
		b.worklist = b.worklist[:len(b.worklist)-1]
		b.process(start)
	}

	b.closePredecessors()

	return &CFG{Blocks: b.blocks}
}

func (b *builder) isBlockStart(va uint64) bool {
	if _, ok := b.blocks[va]; ok {
		return true
	}
	return b.queued[va]
}

func (b *builder) enqueue(va uint64) {
	if b.isBlockStart(va) {
		return
	}
	b.queued[va] = true
	b.worklist = append(b.worklist, va)
}

// decodeAt reads up to maxInsnLen bytes at va and decodes them. A short
// read near the end of a mapped region is acceptable if the decoder
// can still decode the shorter prefix.
func (b *builder) decodeAt(va uint64) (decode.Instruction, bool) {
	buf := make([]byte, maxInsnLen)
	n := maxInsnLen
	for n > 0 {
		if err := b.as.ReadInto(va, buf[:n]); err == nil {
			insn, ok, err := b.d.Decode(buf[:n])
			if err == nil && ok {
				return insn, true
			}
			// a successful read that still failed to decode at this
			// width doesn't necessarily mean a shorter read would
			// help, but a failing read does mean we must shrink it;
			// treat both uniformly by shrinking until a read succeeds
			// and its bytes decode.
		}
		n--
	}
	return decode.Instruction{}, false
}

func (b *builder) process(start uint64) {
	if _, done := b.blocks[start]; done {
		return
	}

	var instrsInBlock []uint64
	cur := start

	for {
		if owner, ok := b.blockOwner[cur]; ok && owner != start {
			b.splitBlock(owner, cur)
			if len(instrsInBlock) == 0 {
				// start itself landed inside another block; the split
				// already created and registered the block at start.
				return
			}
			b.finishBlock(start, instrsInBlock, cur, []uint64{cur})
			return
		}

		info, ok := b.insns[cur]
		if !ok {
			insn, decoded := b.decodeAt(cur)
			if !decoded {
				// decode failure: drop this path.
				log.Debugf("cfgbuild: decode failed at %#x, dropping path", cur)
				b.finishBlock(start, instrsInBlock, cur, nil)
				return
			}
			info = insnInfo{length: insn.Length, fallsThrough: fallsThrough(insn.Mnemonic)}
			if isBranch(insn.Mnemonic) && len(insn.Operands) == 1 && insn.Operands[0].Kind == decode.KindImmediate {
				target := uint64(int64(cur) + int64(insn.Length) + insn.Operands[0].ImmValue.Value)
				info.hasBranchTarget = true
				info.branchTarget = target
			}
			b.insns[cur] = info
		}

		b.blockOwner[cur] = start
		instrsInBlock = append(instrsInBlock, cur)

		next := cur + uint64(info.length)

		if info.hasBranchTarget || !info.fallsThrough {
			var succs []uint64
			if info.hasBranchTarget {
				succs = append(succs, info.branchTarget)
				b.enqueue(info.branchTarget)
			}
			if info.fallsThrough {
				succs = append(succs, next)
				b.enqueue(next)
			}
			b.finishBlock(start, instrsInBlock, next, succs)
			return
		}

		// plain fall-through-only instruction.
		if b.isBlockStart(next) {
			b.finishBlock(start, instrsInBlock, next, []uint64{next})
			b.enqueue(next)
			return
		}
		cur = next
	}
}

func (b *builder) finishBlock(start uint64, instrs []uint64, end uint64, succs []uint64) {
	if end <= start {
		// zero-length block (e.g. the very first decode at `start`
		// failed): nothing reachable from here to record.
		return
	}
	blk := &BasicBlock{
		Addr:         start,
		Length:       end - start,
		Predecessors: make(map[uint64]struct{}),
		Successors:   make(map[uint64]struct{}),
	}
	for _, s := range succs {
		blk.Successors[s] = struct{}{}
	}
	b.blocks[start] = blk
	b.blockInsns[start] = instrs
}

// splitBlock divides the block at owner into [owner, at) and [at,
// oldEnd), required when a later edge lands in the interior of a
// previously constructed block. The prefix block's sole successor
// becomes the suffix block; the suffix inherits the original
// successors.
func (b *builder) splitBlock(owner, at uint64) {
	old := b.blocks[owner]
	oldInstrs := b.blockInsns[owner]

	idx := -1
	for i, va := range oldInstrs {
		if va == at {
			idx = i
			break
		}
	}
	if idx <= 0 {
		// `at` isn't a recorded instruction boundary within owner (it
		// lands mid-instruction), or is owner's own start: nothing to
		// split — the overlapping landing is left as a separate,
		// unmerged block when it gets decoded on its own.
		return
	}

	prefixInstrs := oldInstrs[:idx]
	suffixInstrs := oldInstrs[idx:]

	suffix := &BasicBlock{
		Addr:         at,
		Length:       (old.Addr + old.Length) - at,
		Predecessors: make(map[uint64]struct{}),
		Successors:   old.Successors,
	}
	b.blocks[at] = suffix
	b.blockInsns[at] = suffixInstrs
	b.queued[at] = true

	old.Length = at - owner
	old.Successors = map[uint64]struct{}{at: {}}
	b.blockInsns[owner] = prefixInstrs

	for _, va := range suffixInstrs {
		b.blockOwner[va] = at
	}
}

// closePredecessors computes every block's Predecessors in one pass
// over the finished graph, after all splits have settled.
func (b *builder) closePredecessors() {
	for addr, blk := range b.blocks {
		for succ := range blk.Successors {
			if target, ok := b.blocks[succ]; ok {
				target.Predecessors[addr] = struct{}{}
			}
		}
	}
}

// SortedAddrs returns every block address in the CFG in ascending
// order, useful for deterministic iteration in reports and tests.
func (c *CFG) SortedAddrs() []uint64 {
	addrs := make([]uint64, 0, len(c.Blocks))
	for a := range c.Blocks {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// String renders a deterministic block listing: one line per block,
// address-sorted, with its length and sorted successor/predecessor
// addresses. Used by the `lancelot cfg` command.
func (c *CFG) String() string {
	var sb strings.Builder
	for _, addr := range c.SortedAddrs() {
		blk := c.Blocks[addr]
		fmt.Fprintf(&sb, "bb_%#x: len=%#x preds=%s succs=%s\n",
			addr, blk.Length, sortedSet(blk.Predecessors), sortedSet(blk.Successors))
	}
	return sb.String()
}

func sortedSet(s map[uint64]struct{}) string {
	addrs := make([]uint64, 0, len(s))
	for a := range s {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = fmt.Sprintf("%#x", a)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
