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

package kbtr

import (
	"github.com/google/btree"

	"github.com/cubefs/vosdb/common/pmem"
	apierrors "github.com/cubefs/vosdb/errors"
	"github.com/cubefs/vosdb/proto"
)

// ProbeOp positions an iterator relative to a (key, epoch) anchor.
type ProbeOp uint8

const (
	ProbeFirst ProbeOp = iota + 1
	ProbeLast
	ProbeGE
	ProbeGT
	ProbeLE
	ProbeLT
	ProbeEQ
)

// Iterator walks marks in tree order: key ascending, epoch descending
// within a key. Mutating the tree outside Delete invalidates it.
type Iterator struct {
	t   *Tree
	cur *item
}

func (t *Tree) Iterate() *Iterator {
	t.ensure()
	return &Iterator{t: t}
}

// Probe positions the iterator. key and epoch are ignored for First and
// Last. ErrNonexist means no mark satisfies the probe.
func (it *Iterator) Probe(op ProbeOp, key []byte, epoch proto.Epoch) error {
	it.cur = nil
	anchor := &item{key: key, epoch: epoch, class: it.t.class}
	switch op {
	case ProbeFirst:
		it.t.bt.Ascend(func(i btree.Item) bool {
			it.cur = i.(*item)
			return false
		})
	case ProbeLast:
		it.t.bt.Descend(func(i btree.Item) bool {
			it.cur = i.(*item)
			return false
		})
	case ProbeGE:
		it.t.bt.AscendGreaterOrEqual(anchor, func(i btree.Item) bool {
			it.cur = i.(*item)
			return false
		})
	case ProbeGT:
		it.t.bt.AscendGreaterOrEqual(anchor, func(i btree.Item) bool {
			c := i.(*item)
			if c.epoch == anchor.epoch && compareKey(it.t.class, c.key, anchor.key) == 0 {
				return true
			}
			it.cur = c
			return false
		})
	case ProbeLE:
		it.t.bt.DescendLessOrEqual(anchor, func(i btree.Item) bool {
			it.cur = i.(*item)
			return false
		})
	case ProbeLT:
		it.t.bt.DescendLessOrEqual(anchor, func(i btree.Item) bool {
			c := i.(*item)
			if c.epoch == anchor.epoch && compareKey(it.t.class, c.key, anchor.key) == 0 {
				return true
			}
			it.cur = c
			return false
		})
	case ProbeEQ:
		if got := it.t.bt.Get(anchor); got != nil {
			it.cur = got.(*item)
		}
	default:
		return apierrors.ErrInval
	}
	if it.cur == nil {
		return apierrors.ErrNonexist
	}
	return nil
}

// Next advances to the successor in tree order.
func (it *Iterator) Next() error {
	if it.cur == nil {
		return apierrors.ErrNonexist
	}
	prev := it.cur
	it.cur = nil
	it.t.bt.AscendGreaterOrEqual(prev, func(i btree.Item) bool {
		c := i.(*item)
		if c.epoch == prev.epoch && compareKey(it.t.class, c.key, prev.key) == 0 {
			return true
		}
		it.cur = c
		return false
	})
	if it.cur == nil {
		return apierrors.ErrNonexist
	}
	return nil
}

// Prev steps back to the predecessor in tree order.
func (it *Iterator) Prev() error {
	if it.cur == nil {
		return apierrors.ErrNonexist
	}
	next := it.cur
	it.cur = nil
	it.t.bt.DescendLessOrEqual(next, func(i btree.Item) bool {
		c := i.(*item)
		if c.epoch == next.epoch && compareKey(it.t.class, c.key, next.key) == 0 {
			return true
		}
		it.cur = c
		return false
	})
	if it.cur == nil {
		return apierrors.ErrNonexist
	}
	return nil
}

// Fetch decodes the current mark.
func (it *Iterator) Fetch() (Mark, error) {
	if it.cur == nil {
		return Mark{}, apierrors.ErrNonexist
	}
	return it.t.decode(it.cur.node), nil
}

// Delete removes the current mark and advances to its successor.
// ErrNonexist from the advance means the tree is exhausted; the delete
// itself still happened.
func (it *Iterator) Delete(tx *pmem.Tx) error {
	if it.cur == nil {
		return apierrors.ErrNonexist
	}
	victim := it.cur
	advErr := it.Next()
	if err := it.t.Delete(tx, victim.node); err != nil {
		return err
	}
	return advErr
}
