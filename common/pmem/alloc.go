// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package pmem

import (
	"encoding/binary"

	apierrors "github.com/cubefs/vosdb/errors"
)

// Each allocation carries a hidden 8-byte size header. Freed blocks are
// threaded onto per-size-class freelists kept in the pool header; the
// next pointer reuses the first user bytes of the block.

func classFor(total uint64) int {
	shift := minClassShift
	for uint64(1)<<shift < total {
		shift++
	}
	if shift > maxClassShift {
		return -1
	}
	return shift - minClassShift
}

func (p *Pool) freelistOff(class int) uint64 {
	return offFreelist + uint64(class)*8
}

func (p *Pool) freelistHead(class int) uint64 {
	return binary.LittleEndian.Uint64(p.arena[p.freelistOff(class):])
}

// Alloc returns a zeroed block of at least size bytes at a stable arena
// offset. The block is durable with the transaction that allocated it.
func (tx *Tx) Alloc(size uint64) (Addr, error) {
	if size == 0 {
		return NullAddr, apierrors.ErrInval
	}
	p := tx.pool
	total := size + blockHdrSize
	class := classFor(total)

	var block uint64
	if class >= 0 {
		total = uint64(1) << (class + minClassShift)
		if head := p.freelistHead(class); head != 0 {
			// pop; keep the pre-image of the link word restorable
			flOff := p.freelistOff(class)
			tx.Add(Addr(flOff), 8)
			tx.Add(Addr(head+blockHdrSize), 8)
			next := binary.LittleEndian.Uint64(p.arena[head+blockHdrSize:])
			binary.LittleEndian.PutUint64(p.arena[flOff:], next)
			block = head
		}
	} else {
		total = (total + 15) &^ 15
	}
	if block == 0 {
		used := p.Used()
		if used+total > p.Capacity() {
			return NullAddr, apierrors.ErrNospace
		}
		tx.Add(offUsed, 8)
		binary.LittleEndian.PutUint64(p.arena[offUsed:], used+total)
		block = used
	}

	binary.LittleEndian.PutUint64(p.arena[block:], total)
	data := p.arena[block+blockHdrSize : block+total]
	for i := range data {
		data[i] = 0
	}
	tx.markDirty(Addr(block), total)
	return Addr(block + blockHdrSize), nil
}

// Free returns a block to its size-class freelist. Freeing the same
// address twice within one transaction is a no-op; blocks too large for
// any class stay allocated until the pool is recreated.
func (tx *Tx) Free(addr Addr) error {
	if addr == NullAddr {
		return nil
	}
	if _, ok := tx.freed[addr]; ok {
		return nil
	}
	p := tx.pool
	block := uint64(addr) - blockHdrSize
	total := binary.LittleEndian.Uint64(p.arena[block:])
	if total == 0 {
		return apierrors.ErrInval
	}
	class := classFor(total)
	if class < 0 {
		tx.freed[addr] = struct{}{}
		return nil
	}

	flOff := p.freelistOff(class)
	head := binary.LittleEndian.Uint64(p.arena[flOff:])
	tx.Add(Addr(flOff), 8)
	tx.Add(addr, 8)
	binary.LittleEndian.PutUint64(p.arena[addr:], head)
	binary.LittleEndian.PutUint64(p.arena[flOff:], block)
	tx.freed[addr] = struct{}{}
	return nil
}
