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

package vos

import (
	"bytes"
	"context"

	"github.com/cubefs/vosdb/common/pmem"
	apierrors "github.com/cubefs/vosdb/errors"
	"github.com/cubefs/vosdb/proto"
	"github.com/cubefs/vosdb/vos/evt"
	"github.com/cubefs/vosdb/vos/kbtr"
)

// IterParam configures one iterator level.
type IterParam struct {
	Type proto.IterType
	Oid  proto.ObjectID
	Epr  proto.EpochRange

	// Dkey anchors AKEY, SINGLE and RECX iterators; Akey additionally
	// anchors SINGLE and RECX.
	Dkey []byte
	Akey []byte

	// CondAkey restricts a DKEY iterator to dkeys under which the named
	// akey exists at the exact Epr.Lo == Epr.Hi epoch.
	CondAkey []byte

	// Expr drives the epoch axis of a SINGLE iterator. Zero means
	// descending over Epr.
	Expr proto.EpcExpr

	// RecxFlags carries evt iteration flags for RECX. Zero means
	// visible segments with holes.
	RecxFlags uint8

	// Recx bounds a RECX iterator. A zero range means the whole axis.
	Recx proto.Recx
}

// IterEntry is one yielded position. Key is set for DKEY and AKEY,
// Size for SINGLE, Seg for RECX.
type IterEntry struct {
	Key   []byte
	Epoch proto.Epoch
	Size  uint64
	Seg   evt.Segment
}

// Iter walks one dimension of an object. Iterators nest as a stack:
// a child borrows the parent's held object and must close before it.
type Iter struct {
	cont *Container
	typ  proto.IterType
	epr  proto.EpochRange
	dkey []byte

	obj   *Object
	owned bool
	floor proto.Epoch

	parent *Iter
	kids   int

	cond []byte
	expr proto.EpcExpr

	kit    *kbtr.Tree
	kcur   *kbtr.Iterator
	curKey []byte

	eit    *evt.Iterator
	erange proto.Recx

	closed bool
}

// OpenIter builds a top-level iterator over one object dimension. The
// object is held for the iterator's lifetime.
func (c *Container) OpenIter(ctx context.Context, param IterParam) (*Iter, error) {
	if err := checkIterParam(&param); err != nil {
		return nil, err
	}
	o, err := c.HoldObject(ctx, param.Oid, param.Epr.Hi, false, proto.IntentDefault)
	if err != nil {
		return nil, err
	}
	it := &Iter{
		cont:  c,
		typ:   param.Type,
		epr:   param.Epr,
		dkey:  param.Dkey,
		obj:   o,
		owned: true,
		floor: o.punchEpoch,
		cond:  param.CondAkey,
		expr:  param.Expr,
	}
	if o.punched {
		// Every probe on an empty incarnation is ErrNonexist; the
		// iterator stays valid for Close.
		it.floor = o.punchEpoch
		if param.Type != proto.IterDkey {
			o.Release()
			return nil, apierrors.ErrNonexist
		}
		it.kit = nil
		return it, nil
	}
	if err = it.bind(ctx, param); err != nil {
		o.Release()
		return nil, err
	}
	return it, nil
}

func checkIterParam(param *IterParam) error {
	switch param.Type {
	case proto.IterDkey:
		if param.CondAkey != nil && param.Epr.Lo != param.Epr.Hi {
			return apierrors.ErrInval
		}
	case proto.IterAkey:
		if len(param.Dkey) == 0 {
			return apierrors.ErrInval
		}
	case proto.IterSingle, proto.IterRecx:
		if len(param.Dkey) == 0 || len(param.Akey) == 0 {
			return apierrors.ErrInval
		}
	default:
		return apierrors.ErrInval
	}
	if param.Epr.Hi < param.Epr.Lo {
		return apierrors.ErrInval
	}
	if param.Type == proto.IterRecx && param.RecxFlags == 0 {
		param.RecxFlags = evt.FlagVisible
	}
	return nil
}

// bind resolves the key path down to the tree this level walks.
func (it *Iter) bind(ctx context.Context, param IterParam) error {
	o := it.obj
	switch param.Type {
	case proto.IterDkey:
		dk, err := o.dkeyTree()
		if err != nil {
			return err
		}
		it.kit = dk
		return nil
	case proto.IterAkey:
		ak, floor, err := it.akeyTree(ctx, param.Dkey)
		if err != nil {
			return err
		}
		it.kit, it.floor = ak, floor
		return nil
	}

	ak, floor, err := it.akeyTree(ctx, param.Dkey)
	if err != nil {
		return err
	}
	ares, ok, err := resolveKey(ctx, ak, param.Akey, it.epr.Hi, floor, proto.IntentDefault)
	if err != nil {
		return err
	}
	if !ok || ares.mark.Payload == pmem.NullAddr {
		return apierrors.ErrNonexist
	}
	it.floor = ares.floor
	df := readKeyDf(it.cont.pool.pm, ares.mark.Payload)
	if param.Type == proto.IterSingle {
		if df.Kind&bfBtr == 0 || df.SubBtr == pmem.NullAddr {
			return apierrors.ErrNonexist
		}
		it.kit = o.btr(df.SubBtr, kbtr.ClassUint64)
		return nil
	}
	if df.Kind&bfEvt == 0 || df.SubEvt == pmem.NullAddr {
		return apierrors.ErrNonexist
	}
	it.eit = o.evtree(df.SubEvt).Iterate(param.RecxFlags)
	it.erange = param.Recx
	if it.erange.Hi == 0 && it.erange.Lo == 0 {
		it.erange = proto.Recx{Lo: 0, Hi: ^uint64(0)}
	}
	return nil
}

func (it *Iter) akeyTree(ctx context.Context, dkey []byte) (*kbtr.Tree, proto.Epoch, error) {
	dk, err := it.obj.dkeyTree()
	if err != nil {
		return nil, 0, err
	}
	dres, ok, err := resolveKey(ctx, dk, dkey, it.epr.Hi, it.obj.punchEpoch, proto.IntentDefault)
	if err != nil {
		return nil, 0, err
	}
	if !ok || dres.mark.Payload == pmem.NullAddr {
		return nil, 0, apierrors.ErrNonexist
	}
	df := readKeyDf(it.cont.pool.pm, dres.mark.Payload)
	if df.SubBtr == pmem.NullAddr {
		return nil, 0, apierrors.ErrNonexist
	}
	return it.obj.btr(df.SubBtr, it.obj.akClass), dres.floor, nil
}

// Nest opens the child dimension anchored at the parent's current
// entry: DKEY yields an AKEY child, AKEY yields SINGLE or RECX by the
// key's attachment. The child borrows the parent's object hold.
func (it *Iter) Nest(ctx context.Context, param IterParam) (*Iter, error) {
	if it.closed {
		return nil, apierrors.ErrInval
	}
	switch {
	case it.typ == proto.IterDkey && param.Type == proto.IterAkey:
		param.Dkey = it.curKey
	case it.typ == proto.IterAkey && (param.Type == proto.IterSingle || param.Type == proto.IterRecx):
		param.Dkey, param.Akey = it.dkey, it.curKey
	default:
		return nil, apierrors.ErrInval
	}
	if it.curKey == nil {
		return nil, apierrors.ErrNonexist
	}
	param.Oid = it.obj.oid
	if param.Epr == (proto.EpochRange{}) {
		param.Epr = it.epr
	}
	if err := checkIterParam(&param); err != nil {
		return nil, err
	}
	child := &Iter{
		cont:   it.cont,
		typ:    param.Type,
		epr:    param.Epr,
		dkey:   param.Dkey,
		obj:    it.obj,
		parent: it,
		floor:  it.floor,
		expr:   param.Expr,
	}
	if param.Type == proto.IterAkey {
		// The parent already resolved the dkey; reuse its floor and
		// jump straight to the subtree.
		dk, err := it.obj.dkeyTree()
		if err != nil {
			return nil, err
		}
		dres, ok, err := resolveKey(ctx, dk, param.Dkey, child.epr.Hi, it.obj.punchEpoch, proto.IntentDefault)
		if err != nil {
			return nil, err
		}
		if !ok || dres.mark.Payload == pmem.NullAddr {
			return nil, apierrors.ErrNonexist
		}
		df := readKeyDf(it.cont.pool.pm, dres.mark.Payload)
		if df.SubBtr == pmem.NullAddr {
			return nil, apierrors.ErrNonexist
		}
		child.kit = it.obj.btr(df.SubBtr, it.obj.akClass)
		child.floor = dres.floor
	} else {
		if err := child.bindLeaf(ctx, param); err != nil {
			return nil, err
		}
	}
	it.kids++
	return child, nil
}

// bindLeaf resolves an akey already accepted by the parent level into
// its single-value or extent tree.
func (it *Iter) bindLeaf(ctx context.Context, param IterParam) error {
	ares, ok, err := resolveKey(ctx, it.parent.kit, param.Akey, it.epr.Hi, it.parent.floor, proto.IntentDefault)
	if err != nil {
		return err
	}
	if !ok || ares.mark.Payload == pmem.NullAddr {
		return apierrors.ErrNonexist
	}
	it.floor = ares.floor
	df := readKeyDf(it.cont.pool.pm, ares.mark.Payload)
	if param.Type == proto.IterSingle {
		if df.Kind&bfBtr == 0 || df.SubBtr == pmem.NullAddr {
			return apierrors.ErrNonexist
		}
		it.kit = it.obj.btr(df.SubBtr, kbtr.ClassUint64)
		return nil
	}
	if df.Kind&bfEvt == 0 || df.SubEvt == pmem.NullAddr {
		return apierrors.ErrNonexist
	}
	it.eit = it.obj.evtree(df.SubEvt).Iterate(param.RecxFlags)
	it.erange = param.Recx
	if it.erange.Hi == 0 && it.erange.Lo == 0 {
		it.erange = proto.Recx{Lo: 0, Hi: ^uint64(0)}
	}
	return nil
}

// First positions at the first acceptable entry of the level.
func (it *Iter) First(ctx context.Context) error {
	if it.closed {
		return apierrors.ErrInval
	}
	switch it.typ {
	case proto.IterDkey, proto.IterAkey:
		if it.kit == nil {
			return apierrors.ErrNonexist
		}
		it.kcur = it.kit.Iterate()
		if err := it.kcur.Probe(kbtr.ProbeFirst, nil, 0); err != nil {
			return err
		}
		return it.acceptKey(ctx)
	case proto.IterSingle:
		return it.firstSingle()
	default:
		return it.eit.Probe(ctx, floorRange(it.floor, it.epr.Hi), it.erange)
	}
}

// Next advances to the next acceptable entry.
func (it *Iter) Next(ctx context.Context) error {
	if it.closed {
		return apierrors.ErrInval
	}
	switch it.typ {
	case proto.IterDkey, proto.IterAkey:
		if it.kcur == nil || it.curKey == nil {
			return apierrors.ErrNonexist
		}
		if err := it.kcur.Probe(kbtr.ProbeGT, it.curKey, 0); err != nil {
			it.curKey = nil
			return err
		}
		return it.acceptKey(ctx)
	case proto.IterSingle:
		return it.nextSingle()
	default:
		return it.eit.Next()
	}
}

// Fetch decodes the current entry.
func (it *Iter) Fetch() (IterEntry, error) {
	if it.closed {
		return IterEntry{}, apierrors.ErrInval
	}
	switch it.typ {
	case proto.IterDkey, proto.IterAkey:
		if it.kcur == nil || it.curKey == nil {
			return IterEntry{}, apierrors.ErrNonexist
		}
		m, err := it.kcur.Fetch()
		if err != nil {
			return IterEntry{}, err
		}
		return IterEntry{Key: m.Key, Epoch: m.Epoch}, nil
	case proto.IterSingle:
		if it.kcur == nil || it.curKey == nil {
			return IterEntry{}, apierrors.ErrNonexist
		}
		m, err := it.kcur.Fetch()
		if err != nil {
			return IterEntry{}, err
		}
		e := IterEntry{Epoch: m.Epoch}
		if m.Payload != pmem.NullAddr {
			e.Size = readSvDf(it.cont.pool.pm, m.Payload).Size
		}
		return e, nil
	default:
		seg, err := it.eit.Fetch()
		if err != nil {
			return IterEntry{}, err
		}
		return IterEntry{Epoch: seg.Epoch, Seg: seg}, nil
	}
}

// Close tears the level down. A parent with open children is ErrInval;
// children close first.
func (it *Iter) Close() error {
	if it.closed {
		return apierrors.ErrInval
	}
	if it.kids != 0 {
		return apierrors.ErrInval
	}
	it.closed = true
	if it.parent != nil {
		it.parent.kids--
	}
	if it.owned {
		it.obj.Release()
	}
	return nil
}

// acceptKey skips forward over keys invisible in the reader range,
// leaving the cursor on the newest mark at or below epr.Hi of the
// first visible key.
func (it *Iter) acceptKey(ctx context.Context) error {
	for {
		m, err := it.kcur.Fetch()
		if err != nil {
			it.curKey = nil
			return err
		}
		if m.Epoch > it.epr.Hi {
			// Jump over marks newer than the reader within this key.
			if err = it.kcur.Probe(kbtr.ProbeGE, m.Key, it.epr.Hi); err != nil {
				it.curKey = nil
				return err
			}
			got, err := it.kcur.Fetch()
			if err != nil {
				it.curKey = nil
				return err
			}
			if !bytes.Equal(got.Key, m.Key) {
				continue
			}
			m = got
		}
		visible := !m.Punched() && m.Epoch > it.floor
		if visible && it.cond != nil {
			visible, err = it.condMatch(ctx, m)
			if err != nil {
				it.curKey = nil
				return err
			}
		}
		if visible {
			it.curKey = m.Key
			return nil
		}
		if err = it.kcur.Probe(kbtr.ProbeGT, m.Key, 0); err != nil {
			it.curKey = nil
			return err
		}
	}
}

// condMatch reports whether the conditional akey exists under the dkey
// mark at the exact reader epoch.
func (it *Iter) condMatch(ctx context.Context, m kbtr.Mark) (bool, error) {
	if m.Payload == pmem.NullAddr {
		return false, nil
	}
	df := readKeyDf(it.cont.pool.pm, m.Payload)
	if df.SubBtr == pmem.NullAddr {
		return false, nil
	}
	ak := it.obj.btr(df.SubBtr, it.obj.akClass)
	_, ok, err := resolveKey(ctx, ak, it.cond, it.epr.Hi, it.floor, proto.IntentDefault)
	return ok, err
}

// firstSingle positions the epoch cursor per the iterator expression.
func (it *Iter) firstSingle() error {
	if it.kit == nil {
		return apierrors.ErrNonexist
	}
	it.kcur = it.kit.Iterate()
	lo := it.epr.Lo
	if it.floor >= lo {
		lo = it.floor + 1
	}
	switch it.expr {
	case proto.EpcEq:
		if err := it.kcur.Probe(kbtr.ProbeEQ, epochKey(it.epr.Lo), it.epr.Lo); err != nil {
			return err
		}
		if it.epr.Lo <= it.floor {
			return apierrors.ErrNonexist
		}
	case proto.EpcRe:
		if err := it.kcur.Probe(kbtr.ProbeGE, epochKey(lo), proto.EpochMax); err != nil {
			return err
		}
		m, err := it.kcur.Fetch()
		if err != nil {
			return err
		}
		if m.Epoch > it.epr.Hi {
			return apierrors.ErrNonexist
		}
	case proto.EpcGe:
		if err := it.kcur.Probe(kbtr.ProbeGE, epochKey(lo), proto.EpochMax); err != nil {
			return err
		}
	case proto.EpcLe:
		if err := it.kcur.Probe(kbtr.ProbeLE, epochKey(it.epr.Lo), 0); err != nil {
			return err
		}
		m, err := it.kcur.Fetch()
		if err != nil {
			return err
		}
		if m.Epoch <= it.floor {
			return apierrors.ErrNonexist
		}
	default: // EpcRr and the zero value walk newest first
		if err := it.kcur.Probe(kbtr.ProbeLE, epochKey(it.epr.Hi), 0); err != nil {
			return err
		}
		m, err := it.kcur.Fetch()
		if err != nil {
			return err
		}
		if m.Epoch < lo {
			return apierrors.ErrNonexist
		}
	}
	m, err := it.kcur.Fetch()
	if err != nil {
		return err
	}
	it.curKey = m.Key
	return nil
}

// nextSingle steps the epoch cursor in the expression's direction.
func (it *Iter) nextSingle() error {
	if it.kcur == nil || it.curKey == nil {
		return apierrors.ErrNonexist
	}
	lo := it.epr.Lo
	if it.floor >= lo {
		lo = it.floor + 1
	}
	var err error
	switch it.expr {
	case proto.EpcEq, proto.EpcLe:
		err = apierrors.ErrNonexist
	case proto.EpcRe:
		err = it.kcur.Next()
		if err == nil {
			var m kbtr.Mark
			if m, err = it.kcur.Fetch(); err == nil && m.Epoch > it.epr.Hi {
				err = apierrors.ErrNonexist
			}
		}
	case proto.EpcGe:
		err = it.kcur.Next()
	default:
		err = it.kcur.Prev()
		if err == nil {
			var m kbtr.Mark
			if m, err = it.kcur.Fetch(); err == nil && m.Epoch < lo {
				err = apierrors.ErrNonexist
			}
		}
	}
	if err != nil {
		it.curKey = nil
		return err
	}
	m, err := it.kcur.Fetch()
	if err != nil {
		it.curKey = nil
		return err
	}
	it.curKey = m.Key
	return nil
}
