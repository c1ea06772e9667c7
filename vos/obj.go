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
	"container/list"
	"context"
	"encoding/binary"

	"github.com/cubefs/vosdb/common/pmem"
	apierrors "github.com/cubefs/vosdb/errors"
	"github.com/cubefs/vosdb/metrics"
	"github.com/cubefs/vosdb/proto"
	"github.com/cubefs/vosdb/vos/evt"
	"github.com/cubefs/vosdb/vos/kbtr"
)

// Object is one hydrated object: the durable record plus rebuildable
// in-memory tree handles, shared between the cache and every holder.
type Object struct {
	cont *Container
	oid  proto.ObjectID
	rec  pmem.Addr

	dkClass kbtr.KeyClass
	akClass kbtr.KeyClass

	// punchEpoch is the object punch floor resolved at hold time; data
	// at or below it is hidden from the holder.
	punchEpoch proto.Epoch
	punched    bool

	btrs map[pmem.Addr]*kbtr.Tree
	evts map[pmem.Addr]*evt.Tree

	holds int
	elem  *list.Element
}

func (o *Object) ID() proto.ObjectID {
	return o.oid
}

func (o *Object) df() objDf {
	return readObjDf(o.cont.pool.pm, o.rec)
}

// btr returns the shared handle on one kbtr root.
func (o *Object) btr(root pmem.Addr, class kbtr.KeyClass) *kbtr.Tree {
	if t, ok := o.btrs[root]; ok {
		return t
	}
	t := kbtr.Open(o.cont.pool.pm, root, class, o.cont.pool.res)
	o.btrs[root] = t
	return t
}

// evtree returns the shared handle on one extent root.
func (o *Object) evtree(root pmem.Addr) *evt.Tree {
	if t, ok := o.evts[root]; ok {
		return t
	}
	t := evt.Open(o.cont.pool.pm, root)
	o.evts[root] = t
	return t
}

func (o *Object) dkeyTree() (*kbtr.Tree, error) {
	df := o.df()
	if df.DkeyRoot == pmem.NullAddr {
		return nil, apierrors.ErrNonexist
	}
	return o.btr(df.DkeyRoot, o.dkClass), nil
}

// dropState discards every in-memory handle; the next access rebuilds
// them from PM. HoldObject calls it on every freshly built Object.
func (o *Object) dropState() {
	o.btrs = make(map[pmem.Addr]*kbtr.Tree)
	o.evts = make(map[pmem.Addr]*evt.Tree)
}

// objCache is the xstream-local bounded LRU of hydrated objects. Held
// entries never leave; unheld entries are evicted oldest first once the
// capacity is exceeded.
type objCache struct {
	cap   int
	objs  map[proto.ObjectID]*Object
	unuse *list.List
}

func newObjCache(capacity int) *objCache {
	return &objCache{
		cap:   capacity,
		objs:  make(map[proto.ObjectID]*Object),
		unuse: list.New(),
	}
}

func (c *objCache) get(oid proto.ObjectID) *Object {
	return c.objs[oid]
}

func (c *objCache) put(o *Object) {
	c.objs[o.oid] = o
	if o.holds == 0 && o.elem == nil {
		o.elem = c.unuse.PushBack(o)
	}
	c.shrink()
}

func (c *objCache) hold(o *Object) {
	if o.elem != nil {
		c.unuse.Remove(o.elem)
		o.elem = nil
	}
	o.holds++
}

func (c *objCache) release(o *Object) {
	if o.holds <= 0 {
		return
	}
	o.holds--
	if o.holds == 0 {
		o.elem = c.unuse.PushBack(o)
		c.shrink()
	}
}

func (c *objCache) shrink() {
	for len(c.objs) > c.cap {
		front := c.unuse.Front()
		if front == nil {
			return
		}
		victim := front.Value.(*Object)
		c.unuse.Remove(front)
		victim.elem = nil
		delete(c.objs, victim.oid)
		metrics.ObjCacheEvictions.Inc()
	}
}

// evict drops one object regardless of LRU position. Held objects keep
// working through their handle; the next hold rehydrates from PM.
func (c *objCache) evict(oid proto.ObjectID) {
	o, ok := c.objs[oid]
	if !ok {
		return
	}
	if o.elem != nil {
		c.unuse.Remove(o.elem)
		o.elem = nil
	}
	delete(c.objs, oid)
	metrics.ObjCacheEvictions.Inc()
}

func (c *objCache) holds() (n int) {
	for _, o := range c.objs {
		n += o.holds
	}
	return
}

func (c *objCache) clear() {
	c.objs = make(map[proto.ObjectID]*Object)
	c.unuse.Init()
}

// HoldObject pins an object in the cache. With create the object record
// is allocated under the active transaction if absent; without it an
// absent object is ErrNonexist. The returned object carries its punch
// floor at epoch; Release pairs with every successful hold.
func (c *Container) HoldObject(ctx context.Context, oid proto.ObjectID, epoch proto.Epoch, create bool, intent proto.Intent) (*Object, error) {
	dk, ak, err := keyClasses(oid)
	if err != nil {
		return nil, err
	}
	key := oidKey(oid)

	o := c.cache.get(oid)
	if o == nil {
		metrics.ObjCacheMisses.Inc()
		o = &Object{cont: c, oid: oid, dkClass: dk, akClass: ak}
		o.dropState()
	} else {
		metrics.ObjCacheHits.Inc()
	}

	if create {
		if !c.pool.pm.InTx() {
			return nil, apierrors.ErrInval
		}
		err = c.pool.pm.RunTx(ctx, func(tx *pmem.Tx) error {
			mark, created, err := c.oi.Upsert(ctx, tx, key, epoch, 0)
			if err != nil {
				return err
			}
			rec := mark.Payload
			if rec == pmem.NullAddr {
				if rec, err = tx.Alloc(objDfSize); err != nil {
					return err
				}
				dkRoot, err := kbtr.CreateRoot(tx)
				if err != nil {
					return err
				}
				writeObjDf(c.pool.pm, rec, objDf{DkeyRoot: dkRoot, Earliest: epoch, Latest: epoch})
				c.oi.SetPayload(tx, mark.Node, rec)
				c.addObjCount(tx, 1)
			}
			if created {
				c.touchEpochs(tx, rec, epoch)
			}
			o.rec = rec
			return nil
		})
		if err != nil {
			return nil, err
		}
		m, floor, ferr := c.oi.LookupFloor(ctx, key, epoch, intent)
		if ferr == nil && !m.Punched() {
			o.punchEpoch, o.punched = floor, false
		}
	} else {
		m, floor, err := c.oi.LookupFloor(ctx, key, epoch, intent)
		if err != nil {
			return nil, err
		}
		if m.Payload == pmem.NullAddr {
			return nil, apierrors.ErrNonexist
		}
		o.rec = m.Payload
		if m.Punched() {
			o.punchEpoch, o.punched = m.Epoch, true
		} else {
			o.punchEpoch, o.punched = floor, false
		}
	}

	c.cache.put(o)
	c.cache.hold(o)
	return o, nil
}

// Release drops one hold. The last release parks the object on the LRU.
func (o *Object) Release() {
	o.cont.cache.release(o)
}

// touchEpochs widens the recorded epoch span of an object record.
func (c *Container) touchEpochs(tx *pmem.Tx, rec pmem.Addr, epoch proto.Epoch) {
	df := readObjDf(c.pool.pm, rec)
	if epoch >= df.Earliest && epoch <= df.Latest {
		return
	}
	tx.Add(rec+odOffEarliest, 16)
	b := c.pool.pm.Direct(rec, objDfSize)
	if epoch < df.Earliest {
		binary.LittleEndian.PutUint64(b[odOffEarliest:], epoch)
	}
	if epoch > df.Latest {
		binary.LittleEndian.PutUint64(b[odOffLatest:], epoch)
	}
}

// PunchObject tombstones a whole object at epoch. Readers at or past it
// observe an empty object; the cached incarnation is dropped so the
// next hold resolves the tombstone.
func (c *Container) PunchObject(ctx context.Context, oid proto.ObjectID, epoch proto.Epoch) error {
	if _, _, err := keyClasses(oid); err != nil {
		return err
	}
	key := oidKey(oid)
	err := c.pool.pm.RunTx(ctx, func(tx *pmem.Tx) error {
		mark, _, err := c.oi.Upsert(ctx, tx, key, epoch, kbtr.FlagPunched)
		if err != nil {
			return err
		}
		if mark.Payload != pmem.NullAddr {
			df := readObjDf(c.pool.pm, mark.Payload)
			tx.Add(mark.Payload+odOffAttrs, 8)
			binary.LittleEndian.PutUint64(c.pool.pm.Direct(mark.Payload+odOffAttrs, 8),
				df.Attrs|proto.ObjAttrPunched)
			c.touchEpochs(tx, mark.Payload, epoch)
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.cache.evict(oid)
	return nil
}

// GetAttr reads the attribute bits of an object as of epoch. A missing
// object reads as zero.
func (c *Container) GetAttr(ctx context.Context, oid proto.ObjectID, epoch proto.Epoch) (uint64, error) {
	if _, _, err := keyClasses(oid); err != nil {
		return 0, err
	}
	m, err := c.oi.Lookup(ctx, oidKey(oid), epoch, proto.IntentDefault)
	if err != nil {
		if apierrors.Is(err, apierrors.ErrNonexist) {
			return 0, nil
		}
		return 0, err
	}
	if m.Payload == pmem.NullAddr {
		return 0, nil
	}
	attrs := readObjDf(c.pool.pm, m.Payload).Attrs
	if !m.Punched() {
		attrs &^= proto.ObjAttrPunched
	}
	return attrs, nil
}

// SetAttr sets user attribute bits on an object. The reserved punch and
// removal bits are the engine's.
func (c *Container) SetAttr(ctx context.Context, oid proto.ObjectID, epoch proto.Epoch, bits uint64) error {
	return c.changeAttr(ctx, oid, epoch, bits, true)
}

// ClearAttr clears user attribute bits on an object.
func (c *Container) ClearAttr(ctx context.Context, oid proto.ObjectID, epoch proto.Epoch, bits uint64) error {
	return c.changeAttr(ctx, oid, epoch, bits, false)
}

func (c *Container) changeAttr(ctx context.Context, oid proto.ObjectID, epoch proto.Epoch, bits uint64, set bool) error {
	if bits&proto.ObjAttrReservedMask != 0 {
		return apierrors.ErrInval
	}
	if _, _, err := keyClasses(oid); err != nil {
		return err
	}
	return c.pool.pm.RunTx(ctx, func(tx *pmem.Tx) error {
		o, err := c.HoldObject(ctx, oid, epoch, true, proto.IntentUpdate)
		if err != nil {
			return err
		}
		defer o.Release()
		df := o.df()
		attrs := df.Attrs
		if set {
			attrs |= bits
		} else {
			attrs &^= bits
		}
		tx.Add(o.rec+odOffAttrs, 8)
		binary.LittleEndian.PutUint64(c.pool.pm.Direct(o.rec+odOffAttrs, 8), attrs)
		return nil
	})
}
