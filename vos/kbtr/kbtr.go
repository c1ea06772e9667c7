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

// Package kbtr is the keyed epoch-mark tree used at every level of the
// object hierarchy. Durable state is a linked list of fixed-layout
// records in the PM arena; an in-memory btree orders the records and is
// rebuilt from the list on demand, so dropping it never loses data.
//
// A key owns one mark per epoch it was written or punched at. All marks
// of a key share one payload record; visibility at an epoch resolves to
// the newest mark at or below it.
package kbtr

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/google/btree"

	"github.com/cubefs/vosdb/common/fault"
	"github.com/cubefs/vosdb/common/pmem"
	apierrors "github.com/cubefs/vosdb/errors"
	"github.com/cubefs/vosdb/proto"
)

// KeyClass selects the key ordering of a tree.
type KeyClass uint8

const (
	ClassOpaque KeyClass = iota
	ClassLexical
	ClassUint64
)

const (
	// node: next(8) prev(8) epoch(8) payload(8) flags(1) state(1) keyLen(2)
	nodeHdrSize = 36

	offNext    = 0
	offPrev    = 8
	offEpoch   = 16
	offPayload = 24
	offFlags   = 32
	offState   = 33
	offKeyLen  = 34

	// root: head(8) count(8)
	RootSize = 16

	rootOffHead  = 0
	rootOffCount = 8
)

const (
	FlagPunched = uint8(1) << 0
)

const (
	StateCommitted = uint8(0)
	StatePrepared  = uint8(1)
)

// Resolver arbitrates marks in the prepared state. Visible reports
// whether such a mark should be seen by an operation with the given
// intent; returning ErrInprogress blocks the caller.
type Resolver interface {
	Visible(epoch proto.Epoch, intent proto.Intent) (bool, error)
}

// Mark is one decoded record. Key aliases pool memory and stays valid
// for the lifetime of the pool.
type Mark struct {
	Node    pmem.Addr
	Key     []byte
	Epoch   proto.Epoch
	Payload pmem.Addr
	Flags   uint8
	State   uint8
}

func (m *Mark) Punched() bool {
	return m.Flags&FlagPunched != 0
}

type item struct {
	key   []byte
	epoch proto.Epoch
	class KeyClass
	node  pmem.Addr
}

func compareKey(class KeyClass, a, b []byte) int {
	if class == ClassUint64 {
		x := binary.LittleEndian.Uint64(a)
		y := binary.LittleEndian.Uint64(b)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	}
	return bytes.Compare(a, b)
}

// Less orders by key ascending, then epoch descending, so an ascend
// from (key, e) walks the marks of key at or below e newest first.
func (i *item) Less(than btree.Item) bool {
	o := than.(*item)
	if c := compareKey(i.class, i.key, o.key); c != 0 {
		return c < 0
	}
	return i.epoch > o.epoch
}

// Tree binds one PM root to its in-memory index.
type Tree struct {
	pool  *pmem.Pool
	root  pmem.Addr
	class KeyClass
	res   Resolver

	bt *btree.BTree
}

// CreateRoot allocates an empty tree root under tx.
func CreateRoot(tx *pmem.Tx) (pmem.Addr, error) {
	return tx.Alloc(RootSize)
}

// Open binds an existing root. Hydration from the PM list is lazy.
func Open(pool *pmem.Pool, root pmem.Addr, class KeyClass, res Resolver) *Tree {
	return &Tree{pool: pool, root: root, class: class, res: res}
}

func (t *Tree) decode(node pmem.Addr) Mark {
	hdr := t.pool.Direct(node, nodeHdrSize)
	keyLen := binary.LittleEndian.Uint16(hdr[offKeyLen:])
	return Mark{
		Node:    node,
		Key:     t.pool.Direct(node+nodeHdrSize, uint64(keyLen)),
		Epoch:   binary.LittleEndian.Uint64(hdr[offEpoch:]),
		Payload: pmem.Addr(binary.LittleEndian.Uint64(hdr[offPayload:])),
		Flags:   hdr[offFlags],
		State:   hdr[offState],
	}
}

func (t *Tree) head() pmem.Addr {
	return pmem.Addr(binary.LittleEndian.Uint64(t.pool.Direct(t.root, 8)))
}

// Count returns the number of marks in the tree.
func (t *Tree) Count() uint64 {
	return binary.LittleEndian.Uint64(t.pool.Direct(t.root+rootOffCount, 8))
}

func (t *Tree) ensure() {
	if t.bt != nil {
		return
	}
	t.bt = btree.New(8)
	for node := t.head(); node != pmem.NullAddr; {
		m := t.decode(node)
		t.bt.ReplaceOrInsert(&item{key: m.Key, epoch: m.Epoch, class: t.class, node: node})
		node = pmem.Addr(binary.LittleEndian.Uint64(t.pool.Direct(node+offNext, 8)))
	}
}

// Invalidate drops the in-memory index; the next operation rebuilds it
// from the PM list.
func (t *Tree) Invalidate() {
	t.bt = nil
}

func (t *Tree) checkKey(key []byte) error {
	if len(key) == 0 || len(key) > proto.MaxKeyLen {
		return apierrors.ErrInval
	}
	if t.class == ClassUint64 && len(key) != 8 {
		return apierrors.ErrInval
	}
	return nil
}

// Upsert finds or creates the mark of key at epoch. A new mark inherits
// the payload of the key's newest existing mark. A punch flag prevails
// over an existing live mark at the same epoch.
func (t *Tree) Upsert(ctx context.Context, tx *pmem.Tx, key []byte, epoch proto.Epoch, flags uint8) (Mark, bool, error) {
	if err := t.checkKey(key); err != nil {
		return Mark{}, false, err
	}
	t.ensure()

	if got := t.bt.Get(&item{key: key, epoch: epoch, class: t.class}); got != nil {
		it := got.(*item)
		m := t.decode(it.node)
		if flags&FlagPunched != 0 && !m.Punched() {
			tx.Add(it.node+offFlags, 1)
			t.pool.Direct(it.node+offFlags, 1)[0] = m.Flags | FlagPunched
			m.Flags |= FlagPunched
		}
		return m, false, nil
	}

	payload := pmem.NullAddr
	if newest, err := t.Latest(key); err == nil {
		payload = newest.Payload
	}

	if err := fault.Fire(fault.SiteTreeAlloc); err != nil {
		return Mark{}, false, err
	}
	node, err := tx.Alloc(nodeHdrSize + uint64(len(key)))
	if err != nil {
		return Mark{}, false, err
	}

	hdr := t.pool.Direct(node, nodeHdrSize)
	old := t.head()
	binary.LittleEndian.PutUint64(hdr[offNext:], uint64(old))
	binary.LittleEndian.PutUint64(hdr[offEpoch:], epoch)
	binary.LittleEndian.PutUint64(hdr[offPayload:], uint64(payload))
	hdr[offFlags] = flags
	hdr[offState] = StateCommitted
	binary.LittleEndian.PutUint16(hdr[offKeyLen:], uint16(len(key)))
	copy(t.pool.Direct(node+nodeHdrSize, uint64(len(key))), key)

	tx.Add(t.root, RootSize)
	if old != pmem.NullAddr {
		tx.Add(old+offPrev, 8)
		binary.LittleEndian.PutUint64(t.pool.Direct(old+offPrev, 8), uint64(node))
	}
	rootb := t.pool.Direct(t.root, RootSize)
	binary.LittleEndian.PutUint64(rootb[rootOffHead:], uint64(node))
	binary.LittleEndian.PutUint64(rootb[rootOffCount:], t.Count()+1)

	m := t.decode(node)
	t.bt.ReplaceOrInsert(&item{key: m.Key, epoch: epoch, class: t.class, node: node})
	return m, true, nil
}

// SetPayload binds the payload record of one mark.
func (t *Tree) SetPayload(tx *pmem.Tx, node pmem.Addr, payload pmem.Addr) {
	tx.Add(node+offPayload, 8)
	binary.LittleEndian.PutUint64(t.pool.Direct(node+offPayload, 8), uint64(payload))
}

// SetState moves a mark between prepared and committed.
func (t *Tree) SetState(tx *pmem.Tx, node pmem.Addr, state uint8) {
	tx.Add(node+offState, 1)
	t.pool.Direct(node+offState, 1)[0] = state
}

// Lookup resolves key at epoch: the newest visible mark at or below it.
// The caller inspects Punched on the result.
func (t *Tree) Lookup(ctx context.Context, key []byte, epoch proto.Epoch, intent proto.Intent) (Mark, error) {
	if err := t.checkKey(key); err != nil {
		return Mark{}, err
	}
	t.ensure()

	var (
		found Mark
		ok    bool
		rerr  error
	)
	t.bt.AscendGreaterOrEqual(&item{key: key, epoch: epoch, class: t.class}, func(i btree.Item) bool {
		it := i.(*item)
		if compareKey(t.class, it.key, key) != 0 {
			return false
		}
		m := t.decode(it.node)
		if m.State == StatePrepared && t.res != nil {
			vis, err := t.res.Visible(m.Epoch, intent)
			if err != nil {
				rerr = err
				return false
			}
			if !vis {
				return true
			}
		}
		found, ok = m, true
		return false
	})
	if rerr != nil {
		return Mark{}, rerr
	}
	if !ok {
		return Mark{}, apierrors.ErrNonexist
	}
	return found, nil
}

// LookupFloor resolves key at epoch like Lookup and additionally
// reports the punch floor: the epoch of the newest punched mark at or
// below epoch. Values recorded at or below the floor are hidden even
// when the key itself resolves live.
func (t *Tree) LookupFloor(ctx context.Context, key []byte, epoch proto.Epoch, intent proto.Intent) (Mark, proto.Epoch, error) {
	m, err := t.Lookup(ctx, key, epoch, intent)
	if err != nil {
		return Mark{}, 0, err
	}
	if m.Punched() {
		return m, m.Epoch, nil
	}
	var floor proto.Epoch
	t.bt.AscendGreaterOrEqual(&item{key: key, epoch: m.Epoch, class: t.class}, func(i btree.Item) bool {
		it := i.(*item)
		if compareKey(t.class, it.key, key) != 0 {
			return false
		}
		mm := t.decode(it.node)
		if mm.Punched() {
			floor = mm.Epoch
			return false
		}
		return true
	})
	return m, floor, nil
}

// LookupExact returns the mark of key at exactly epoch.
func (t *Tree) LookupExact(key []byte, epoch proto.Epoch) (Mark, error) {
	if err := t.checkKey(key); err != nil {
		return Mark{}, err
	}
	t.ensure()
	got := t.bt.Get(&item{key: key, epoch: epoch, class: t.class})
	if got == nil {
		return Mark{}, apierrors.ErrNonexist
	}
	return t.decode(got.(*item).node), nil
}

// Latest returns the newest mark of key.
func (t *Tree) Latest(key []byte) (Mark, error) {
	if err := t.checkKey(key); err != nil {
		return Mark{}, err
	}
	t.ensure()
	var (
		found Mark
		ok    bool
	)
	t.bt.AscendGreaterOrEqual(&item{key: key, epoch: proto.EpochMax, class: t.class}, func(i btree.Item) bool {
		it := i.(*item)
		if compareKey(t.class, it.key, key) != 0 {
			return false
		}
		found, ok = t.decode(it.node), true
		return false
	})
	if !ok {
		return Mark{}, apierrors.ErrNonexist
	}
	return found, nil
}

// Earliest returns the oldest mark of key.
func (t *Tree) Earliest(key []byte) (Mark, error) {
	if err := t.checkKey(key); err != nil {
		return Mark{}, err
	}
	t.ensure()
	var (
		found Mark
		ok    bool
	)
	t.bt.AscendGreaterOrEqual(&item{key: key, epoch: proto.EpochMax, class: t.class}, func(i btree.Item) bool {
		it := i.(*item)
		if compareKey(t.class, it.key, key) != 0 {
			return false
		}
		found, ok = t.decode(it.node), true
		return true
	})
	if !ok {
		return Mark{}, apierrors.ErrNonexist
	}
	return found, nil
}

// Delete unlinks and frees one mark. Shared payload records are the
// caller's to free once the last mark of the key goes.
func (t *Tree) Delete(tx *pmem.Tx, node pmem.Addr) error {
	t.ensure()
	m := t.decode(node)

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

	t.bt.Delete(&item{key: m.Key, epoch: m.Epoch, class: t.class})
	return tx.Free(node)
}

// Drain pops every mark, handing each to fn before its record is freed.
// A payload shared by several marks reaches fn with the first of them
// only. fn owns freeing payloads and subtrees. The root itself survives.
func (t *Tree) Drain(tx *pmem.Tx, fn func(Mark) error) error {
	t.ensure()
	seen := make(map[pmem.Addr]bool)
	for {
		head := t.head()
		if head == pmem.NullAddr {
			return nil
		}
		m := t.decode(head)
		if fn != nil && !seen[m.Payload] {
			if m.Payload != pmem.NullAddr {
				seen[m.Payload] = true
			}
			if err := fn(m); err != nil {
				return err
			}
		}
		if err := t.Delete(tx, head); err != nil {
			return err
		}
	}
}
