package delta

import (
	"io"
	"math/bits"
)

// blockSize is the number of bytes hashed per block. The unrolled loop in
// hashBlock requires exactly 16.
const blockSize = 16

// maxChainLength caps the number of source positions considered per block
// hash, keeping an encode linear at O(len(src)+len(res)) instead of
// quadratic.
const maxChainLength = 64

// Index holds the block table of a source buffer. One index can encode
// deltas for any number of result buffers, from multiple goroutines.
//
// The table maps a block's 32-bit content hash to the offsets where that
// block occurs in the source. Entries sharing a table slot are stored
// adjacently so a scan can stop as soon as the slot changes.
type Index struct {
	src       []byte
	table     []int32
	entries   []uint64 // hash in the upper 32 bits, source offset in the lower
	tableMask uint32
}

// NewIndex scans the source buffer and builds its block table. The buffer
// is retained by the index and must not be modified afterwards.
func NewIndex(src []byte) *Index {
	idx := &Index{src: src}
	scan := newScanner(src)
	if scan == nil {
		idx.table = []int32{}
		idx.entries = []uint64{}
		return idx
	}

	// Reuse the scanner's table slots, replacing chain heads with offsets
	// into the packed entries array.
	idx.table = scan.table
	idx.tableMask = scan.tableMask

	// Entry index 0 means "no entries for the slot", so allocate one
	// extra position.
	idx.entries = make([]uint64, 1+idx.countEntries(scan))
	idx.copyEntries(scan)
	return idx
}

// countEntries sizes the packed entry array, truncating chains longer
// than maxChainLength.
func (idx *Index) countEntries(scan *scanner) int {
	cnt := 0
	for _, head := range idx.table {
		h := head
		if h == 0 {
			continue
		}
		chainLen := 0
		for {
			chainLen++
			if chainLen == maxChainLength {
				scan.next[h] = 0
				break
			}
			h = scan.next[h]
			if h == 0 {
				break
			}
		}
		cnt += chainLen
	}
	return cnt
}

// copyEntries packs each hash chain into adjacent entries positions.
func (idx *Index) copyEntries(scan *scanner) {
	next := int32(1)
	for i, head := range idx.table {
		if head == 0 {
			continue
		}
		idx.table[i] = next
		for h := head; h != 0; h = scan.next[h] {
			idx.entries[next] = scan.entries[h]
			next++
		}
	}
}

// SourceSize returns the length of the indexed source buffer.
func (idx *Index) SourceSize() int {
	return len(idx.src)
}

func keyOf(ent uint64) uint32 { return uint32(ent >> 32) }
func valOf(ent uint64) int    { return int(uint32(ent)) }

// Encode writes the delta instruction stream transforming the index's
// source into res. A positive limit aborts the encode, returning false,
// as soon as the stream would exceed limit bytes; the caller is then
// responsible for discarding whatever was written.
func (idx *Index) Encode(out io.Writer, res []byte, limit int) (bool, error) {
	end := len(res)
	enc, err := newEncoder(out, uint64(len(idx.src)), uint64(end), limit)
	if err != nil {
		return false, err
	}

	// Inputs smaller than a block are always emitted as a literal: the
	// delta would be larger than the data itself.
	if end < blockSize || len(idx.table) == 0 {
		return enc.insert(res)
	}

	blkPtr := 0
	blkEnd := blockSize
	hash := hashBlock(res, 0)

	resPtr := 0
	for blkEnd < end {
		tableIdx := hash & idx.tableMask
		entryIdx := idx.table[tableIdx]
		if entryIdx == 0 {
			// No matching blocks, slide forward one byte.
			hash = step(hash, res[blkPtr], res[blkEnd])
			blkPtr++
			blkEnd++
			continue
		}

		// For every candidate location of the current block, extend the
		// match to the longest common substring.
		bestLen := -1
		bestPtr := -1
		bestNeg := 0
		for {
			ent := idx.entries[entryIdx]
			entryIdx++
			if keyOf(ent) == hash {
				neg := 0
				if resPtr < blkPtr {
					// A pending insert precedes this block. Matching
					// backwards may shorten it, so stretch the copy
					// region into it where bytes agree.
					neg = negmatch(res, blkPtr, idx.src, valOf(ent), blkPtr-resPtr)
				}
				matchLen := neg + fwdmatch(res, blkPtr, idx.src, valOf(ent))
				if bestLen < matchLen {
					bestLen = matchLen
					bestPtr = valOf(ent)
					bestNeg = neg
				}
			} else if keyOf(ent)&idx.tableMask != tableIdx {
				break
			}
			if bestLen >= 4096 || int(entryIdx) >= len(idx.entries) {
				break
			}
		}

		if bestLen < blockSize {
			// False positives only, or a copy shorter than a block;
			// retry at the next byte.
			hash = step(hash, res[blkPtr], res[blkEnd])
			blkPtr++
			blkEnd++
			continue
		}

		blkPtr -= bestNeg

		if resPtr < blkPtr {
			// Bytes between the previous instruction and the copy region
			// never matched; emit them literally.
			ok, err := enc.insert(res[resPtr:blkPtr])
			if !ok || err != nil {
				return ok, err
			}
		}

		ok, err := enc.copy(int64(bestPtr-bestNeg), bestLen)
		if !ok || err != nil {
			return ok, err
		}

		blkPtr += bestLen
		resPtr = blkPtr
		blkEnd = blkPtr + blockSize
		if end <= blkEnd {
			break
		}
		hash = hashBlock(res, blkPtr)
	}

	if resPtr < end {
		// Trailing bytes that matched nothing, or less than a block.
		return enc.insert(res[resPtr:end])
	}
	return true, nil
}

func fwdmatch(res []byte, resPtr int, src []byte, srcPtr int) int {
	start := resPtr
	for resPtr < len(res) && srcPtr < len(src) && res[resPtr] == src[srcPtr] {
		resPtr++
		srcPtr++
	}
	return resPtr - start
}

func negmatch(res []byte, resPtr int, src []byte, srcPtr int, limit int) int {
	if srcPtr == 0 {
		return 0
	}
	resPtr--
	srcPtr--
	start := resPtr
	for res[resPtr] == src[srcPtr] {
		resPtr--
		srcPtr--
		limit--
		if srcPtr < 0 || limit <= 0 {
			break
		}
	}
	return start - resPtr
}

// hashBlock fingerprints the 16 bytes at raw[ptr:]. The first four steps
// collapse into a big-endian decode; the xor with hashT keeps the rolling
// state within 31 bits so the table index never exceeds 255.
func hashBlock(raw []byte, ptr int) uint32 {
	hash := uint32(raw[ptr])<<24 |
		uint32(raw[ptr+1])<<16 |
		uint32(raw[ptr+2])<<8 |
		uint32(raw[ptr+3])
	hash ^= hashT[hash>>31]

	hash = (hash<<8 | uint32(raw[ptr+4])) ^ hashT[hash>>23]
	hash = (hash<<8 | uint32(raw[ptr+5])) ^ hashT[hash>>23]
	hash = (hash<<8 | uint32(raw[ptr+6])) ^ hashT[hash>>23]
	hash = (hash<<8 | uint32(raw[ptr+7])) ^ hashT[hash>>23]

	hash = (hash<<8 | uint32(raw[ptr+8])) ^ hashT[hash>>23]
	hash = (hash<<8 | uint32(raw[ptr+9])) ^ hashT[hash>>23]
	hash = (hash<<8 | uint32(raw[ptr+10])) ^ hashT[hash>>23]
	hash = (hash<<8 | uint32(raw[ptr+11])) ^ hashT[hash>>23]

	hash = (hash<<8 | uint32(raw[ptr+12])) ^ hashT[hash>>23]
	hash = (hash<<8 | uint32(raw[ptr+13])) ^ hashT[hash>>23]
	hash = (hash<<8 | uint32(raw[ptr+14])) ^ hashT[hash>>23]
	hash = (hash<<8 | uint32(raw[ptr+15])) ^ hashT[hash>>23]

	return hash
}

// step slides the block hash one byte: remove the leading byte's
// contribution, admit the trailing one.
func step(hash uint32, toRemove, toAdd byte) uint32 {
	hash ^= hashU[toRemove]
	return (hash<<8 | uint32(toAdd)) ^ hashT[hash>>23]
}

// scanner builds the initial hash chains for NewIndex.
type scanner struct {
	table     []int32
	tableMask uint32
	entries   []uint64
	next      []int32
	entryCnt  int32
}

func newScanner(raw []byte) *scanner {
	// Clip the length to a block boundary.
	length := len(raw) - len(raw)%blockSize
	worstCaseBlockCnt := length / blockSize
	if worstCaseBlockCnt < 1 {
		return nil
	}

	s := &scanner{
		table:   make([]int32, tableSize(worstCaseBlockCnt)),
		entries: make([]uint64, 1+worstCaseBlockCnt),
		next:    make([]int32, 1+worstCaseBlockCnt),
	}
	s.tableMask = uint32(len(s.table) - 1)

	// Scan backwards, inserting at the front of each chain, so chains
	// hold ascending offsets and the encoder prefers the earliest match.
	for ptr := length - blockSize; ptr >= 0; ptr -= blockSize {
		key := hashBlock(raw, ptr)
		tIdx := key & s.tableMask

		head := s.table[tIdx]
		if head != 0 && keyOf(s.entries[head]) == key {
			// Consecutive blocks with identical content hash: keep only
			// the earliest so long runs stay one entry.
			s.entries[head] = uint64(key)<<32 | uint64(uint32(ptr))
		} else {
			s.entryCnt++
			eIdx := s.entryCnt
			s.entries[eIdx] = uint64(key)<<32 | uint64(uint32(ptr))
			s.next[eIdx] = head
			s.table[tIdx] = eIdx
		}
	}
	return s
}

func tableSize(worstCaseBlockCnt int) int {
	shift := bits.Len(uint(worstCaseBlockCnt))
	sz := 1 << (shift - 1)
	if sz < worstCaseBlockCnt {
		sz <<= 1
	}
	return sz
}
