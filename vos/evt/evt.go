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

// Package evt versions the extents of one array value. Each entry binds
// an inclusive index range written at one epoch to a payload address;
// reads at an epoch resolve overlaps newest-first, so older extents
// show through only where nothing newer covers them.
//
// Durable state mirrors kbtr: a linked list of fixed records in the PM
// arena indexed by a rebuildable in-memory btree.
package evt

import (
	"context"
	"encoding/binary"

	"github.com/google/btree"

	"github.com/cubefs/vosdb/common/bio"
	"github.com/cubefs/vosdb/common/pmem"
	apierrors "github.com/cubefs/vosdb/errors"
	"github.com/cubefs/vosdb/proto"
)

const (
	// node: next(8) prev(8) epoch(8) lo(8) hi(8) bioOff(8) recSize(8)
	// csum(4) kind(1)
	nodeSize = 61

	offNext    = 0
	offPrev    = 8
	offEpoch   = 16
	offLo      = 24
	offHi      = 32
	offBio     = 40
	offRecSize = 48
	offCsum    = 56
	offKind    = 60

	// root: head(8) count(8)
	RootSize = 16

	rootOffHead  = 0
	rootOffCount = 8
)

// Visibility of one segment produced by a query sweep.
const (
	Visible = uint8(1) << iota
	Covered
	Hole
)

// Query flags. FlagForPurge and FlagForRebuild are the maintenance
// sweeps: both surface covered segments alongside visible ones.
const (
	FlagVisible = uint8(1) << iota
	FlagCovered
	FlagSkipHoles
	FlagReverse
	FlagForPurge
	FlagForRebuild
)

// Entry is one decoded extent record.
type Entry struct {
	Node    pmem.Addr
	Epoch   proto.Epoch
	Recx    proto.Recx
	Addr    bio.Addr
	RecSize uint64
	Csum    uint32
}

// Segment is one resolved piece of a query range: a visible or covered
// slice of an entry, or a hole nothing ever wrote. Addr is adjusted to
// the slice start. WholeEntry marks a slice spanning its whole entry.
type Segment struct {
	Recx       proto.Recx
	Epoch      proto.Epoch
	Addr       bio.Addr
	RecSize    uint64
	Csum       uint32
	Vis        uint8
	Node       pmem.Addr
	WholeEntry bool
}

type item struct {
	lo    uint64
	epoch proto.Epoch
	hi    uint64
	node  pmem.Addr
}

func (i *item) Less(than btree.Item) bool {
	o := than.(*item)
	if i.lo != o.lo {
		return i.lo < o.lo
	}
	if i.epoch != o.epoch {
		return i.epoch > o.epoch
	}
	if i.hi != o.hi {
		return i.hi < o.hi
	}
	return i.node < o.node
}

// Tree binds one PM extent root to its in-memory index.
type Tree struct {
	pool *pmem.Pool
	root pmem.Addr

	bt *btree.BTree
}

// CreateRoot allocates an empty extent root under tx.
func CreateRoot(tx *pmem.Tx) (pmem.Addr, error) {
	return tx.Alloc(RootSize)
}

// Open binds an existing root. Hydration from the PM list is lazy.
func Open(pool *pmem.Pool, root pmem.Addr) *Tree {
	return &Tree{pool: pool, root: root}
}

func (t *Tree) decode(node pmem.Addr) Entry {
	b := t.pool.Direct(node, nodeSize)
	return Entry{
		Node:  node,
		Epoch: binary.LittleEndian.Uint64(b[offEpoch:]),
		Recx: proto.Recx{
			Lo: binary.LittleEndian.Uint64(b[offLo:]),
			Hi: binary.LittleEndian.Uint64(b[offHi:]),
		},
		Addr: bio.Addr{
			Kind: bio.AddrKind(b[offKind]),
			Off:  binary.LittleEndian.Uint64(b[offBio:]),
		},
		RecSize: binary.LittleEndian.Uint64(b[offRecSize:]),
		Csum:    binary.LittleEndian.Uint32(b[offCsum:]),
	}
}

func (t *Tree) head() pmem.Addr {
	return pmem.Addr(binary.LittleEndian.Uint64(t.pool.Direct(t.root, 8)))
}

// Count returns the number of extent records.
func (t *Tree) Count() uint64 {
	return binary.LittleEndian.Uint64(t.pool.Direct(t.root+rootOffCount, 8))
}

func (t *Tree) ensure() {
	if t.bt != nil {
		return
	}
	t.bt = btree.New(8)
	for node := t.head(); node != pmem.NullAddr; {
		e := t.decode(node)
		t.bt.ReplaceOrInsert(&item{lo: e.Recx.Lo, epoch: e.Epoch, hi: e.Recx.Hi, node: node})
		node = pmem.Addr(binary.LittleEndian.Uint64(t.pool.Direct(node+offNext, 8)))
	}
}

// Invalidate drops the in-memory index; the next operation rebuilds it
// from the PM list.
func (t *Tree) Invalidate() {
	t.bt = nil
}

// Entries snapshots every raw record in lo order. Callers mutating the
// tree walk the snapshot, not the live index.
func (t *Tree) Entries() []Entry {
	t.ensure()
	out := make([]Entry, 0, t.bt.Len())
	t.bt.Ascend(func(i btree.Item) bool {
		out = append(out, t.decode(i.(*item).node))
		return true
	})
	return out
}

func (t *Tree) writeEntry(tx *pmem.Tx, node pmem.Addr, e Entry) {
	b := t.pool.Direct(node, nodeSize)
	binary.LittleEndian.PutUint64(b[offEpoch:], e.Epoch)
	binary.LittleEndian.PutUint64(b[offLo:], e.Recx.Lo)
	binary.LittleEndian.PutUint64(b[offHi:], e.Recx.Hi)
	binary.LittleEndian.PutUint64(b[offBio:], e.Addr.Off)
	binary.LittleEndian.PutUint64(b[offRecSize:], e.RecSize)
	binary.LittleEndian.PutUint32(b[offCsum:], e.Csum)
	b[offKind] = uint8(e.Addr.Kind)
}

func (t *Tree) link(tx *pmem.Tx, node pmem.Addr) {
	old := t.head()
	b := t.pool.Direct(node, nodeSize)
	binary.LittleEndian.PutUint64(b[offNext:], uint64(old))
	binary.LittleEndian.PutUint64(b[offPrev:], 0)
	if old != pmem.NullAddr {
		tx.Add(old+offPrev, 8)
		binary.LittleEndian.PutUint64(t.pool.Direct(old+offPrev, 8), uint64(node))
	}
	tx.Add(t.root, RootSize)
	rb := t.pool.Direct(t.root, RootSize)
	binary.LittleEndian.PutUint64(rb[rootOffHead:], uint64(node))
	binary.LittleEndian.PutUint64(rb[rootOffCount:], t.Count()+1)
}

// adjust shifts an entry address to a later start index.
func adjust(a bio.Addr, skip, recSize uint64) bio.Addr {
	if a.Kind == bio.AddrHole {
		return a
	}
	a.Off += skip * recSize
	return a
}

// Insert adds one extent. An identical (epoch, lo, hi) record already
// present is ErrExist. Overlap with another extent of the same epoch
// resolves in favor of the newcomer: the older record is trimmed,
// split, or removed so one epoch never holds two claims on an index.
func (t *Tree) Insert(ctx context.Context, tx *pmem.Tx, e Entry) error {
	_, err := t.InsertEntry(ctx, tx, e)
	return err
}

// InsertEntry inserts like Insert and returns the new record for
// later in-transaction amendment.
func (t *Tree) InsertEntry(ctx context.Context, tx *pmem.Tx, e Entry) (pmem.Addr, error) {
	if e.Recx.Hi < e.Recx.Lo || e.RecSize == 0 {
		return pmem.NullAddr, apierrors.ErrInval
	}
	t.ensure()

	var (
		overlaps []Entry
		dup      bool
	)
	t.bt.Ascend(func(i btree.Item) bool {
		it := i.(*item)
		if it.epoch != e.Epoch {
			return true
		}
		if it.lo == e.Recx.Lo && it.hi == e.Recx.Hi {
			dup = true
			return false
		}
		if it.lo <= e.Recx.Hi && it.hi >= e.Recx.Lo {
			overlaps = append(overlaps, t.decode(it.node))
		}
		return true
	})
	if dup {
		return pmem.NullAddr, apierrors.ErrExist
	}

	for _, old := range overlaps {
		if err := t.punchOverlap(ctx, tx, old, e.Recx); err != nil {
			return pmem.NullAddr, err
		}
	}

	node, err := tx.Alloc(nodeSize)
	if err != nil {
		return pmem.NullAddr, err
	}
	e.Node = node
	t.writeEntry(tx, node, e)
	t.link(tx, node)
	t.bt.ReplaceOrInsert(&item{lo: e.Recx.Lo, epoch: e.Epoch, hi: e.Recx.Hi, node: node})
	return node, nil
}

// SetCsum stamps the payload checksum of one record.
func (t *Tree) SetCsum(tx *pmem.Tx, node pmem.Addr, csum uint32) {
	tx.Add(node+offCsum, 4)
	binary.LittleEndian.PutUint32(t.pool.Direct(node+offCsum, 4), csum)
}

// punchOverlap removes rng from an older same-epoch entry. The payload
// block is left alone; trimmed parts simply point past its start.
func (t *Tree) punchOverlap(ctx context.Context, tx *pmem.Tx, old Entry, rng proto.Recx) error {
	if rng.Lo <= old.Recx.Lo && rng.Hi >= old.Recx.Hi {
		return t.Delete(tx, old.Node)
	}
	if rng.Lo > old.Recx.Lo && rng.Hi < old.Recx.Hi {
		// split: keep the left piece in place, append a right piece
		right := old
		right.Recx.Lo = rng.Hi + 1
		right.Addr = adjust(old.Addr, right.Recx.Lo-old.Recx.Lo, old.RecSize)
		node, err := tx.Alloc(nodeSize)
		if err != nil {
			return err
		}
		right.Node = node
		t.writeEntry(tx, node, right)
		t.link(tx, node)
		t.bt.ReplaceOrInsert(&item{lo: right.Recx.Lo, epoch: right.Epoch, hi: right.Recx.Hi, node: node})

		t.bt.Delete(&item{lo: old.Recx.Lo, epoch: old.Epoch, hi: old.Recx.Hi, node: old.Node})
		tx.Add(old.Node+offHi, 8)
		binary.LittleEndian.PutUint64(t.pool.Direct(old.Node+offHi, 8), rng.Lo-1)
		t.bt.ReplaceOrInsert(&item{lo: old.Recx.Lo, epoch: old.Epoch, hi: rng.Lo - 1, node: old.Node})
		return nil
	}
	t.bt.Delete(&item{lo: old.Recx.Lo, epoch: old.Epoch, hi: old.Recx.Hi, node: old.Node})
	if rng.Lo <= old.Recx.Lo {
		// trim the front
		newLo := rng.Hi + 1
		na := adjust(old.Addr, newLo-old.Recx.Lo, old.RecSize)
		tx.Add(old.Node+offLo, 8)
		binary.LittleEndian.PutUint64(t.pool.Direct(old.Node+offLo, 8), newLo)
		tx.Add(old.Node+offBio, 8)
		binary.LittleEndian.PutUint64(t.pool.Direct(old.Node+offBio, 8), na.Off)
		t.bt.ReplaceOrInsert(&item{lo: newLo, epoch: old.Epoch, hi: old.Recx.Hi, node: old.Node})
		return nil
	}
	// trim the tail
	tx.Add(old.Node+offHi, 8)
	binary.LittleEndian.PutUint64(t.pool.Direct(old.Node+offHi, 8), rng.Lo-1)
	t.bt.ReplaceOrInsert(&item{lo: old.Recx.Lo, epoch: old.Epoch, hi: rng.Lo - 1, node: old.Node})
	return nil
}

// Delete unlinks and frees one extent record. The payload block is the
// caller's.
func (t *Tree) Delete(tx *pmem.Tx, node pmem.Addr) error {
	t.ensure()
	e := t.decode(node)

	next := pmem.Addr(binary.LittleEndian.Uint64(t.pool.Direct(node+offNext, 8)))
	prev := pmem.Addr(binary.LittleEndian.Uint64(t.pool.Direct(node+offPrev, 8)))
	if prev != pmem.NullAddr {
		tx.Add(prev+offNext, 8)
		binary.LittleEndian.PutUint64(t.pool.Direct(prev+offNext, 8), uint64(next))
	} else {
		tx.Add(t.root+rootOffHead, 8)
		binary.LittleEndian.PutUint64(t.pool.Direct(t.root+rootOffHead, 8), uint64(next))
	}
	if next != pmem.NullAddr {
		tx.Add(next+offPrev, 8)
		binary.LittleEndian.PutUint64(t.pool.Direct(next+offPrev, 8), uint64(prev))
	}
	tx.Add(t.root+rootOffCount, 8)
	binary.LittleEndian.PutUint64(t.pool.Direct(t.root+rootOffCount, 8), t.Count()-1)

	t.bt.Delete(&item{lo: e.Recx.Lo, epoch: e.Epoch, hi: e.Recx.Hi, node: node})
	return tx.Free(node)
}

// Drain pops every extent record, handing each to fn before it is
// freed. fn owns freeing payload blocks.
func (t *Tree) Drain(tx *pmem.Tx, fn func(Entry) error) error {
	t.ensure()
	for {
		head := t.head()
		if head == pmem.NullAddr {
			return nil
		}
		e := t.decode(head)
		if fn != nil {
			if err := fn(e); err != nil {
				return err
			}
		}
		if err := t.Delete(tx, head); err != nil {
			return err
		}
	}
}
