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
	"context"
	"encoding/binary"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/uuid"

	"github.com/cubefs/vosdb/common/pmem"
	apierrors "github.com/cubefs/vosdb/errors"
	"github.com/cubefs/vosdb/vos/evt"
	"github.com/cubefs/vosdb/vos/kbtr"
)

// Container is one open container: an object index plus the xstream
// local object cache hydrated from it.
type Container struct {
	pool  *Pool
	id    uuid.UUID
	rec   pmem.Addr
	oi    *kbtr.Tree
	cache *objCache
}

// CreateContainer registers a new container under the pool.
func (p *Pool) CreateContainer(ctx context.Context, id uuid.UUID) error {
	span := trace.SpanFromContextSafe(ctx)
	return p.pm.RunTx(ctx, func(tx *pmem.Tx) error {
		mark, created, err := p.conts.Upsert(ctx, tx, id[:], 0, 0)
		if err != nil {
			return err
		}
		if !created || mark.Payload != pmem.NullAddr {
			return apierrors.ErrExist
		}
		rec, err := tx.Alloc(contDfSize)
		if err != nil {
			return err
		}
		oiRoot, err := kbtr.CreateRoot(tx)
		if err != nil {
			return err
		}
		writeContDf(p.pm, rec, contDf{OIRoot: oiRoot})
		p.conts.SetPayload(tx, mark.Node, rec)
		span.Infof("container %s created", id)
		return nil
	})
}

// OpenContainer binds a handle on an existing container.
func (p *Pool) OpenContainer(ctx context.Context, id uuid.UUID) (*Container, error) {
	mark, err := p.conts.Latest(id[:])
	if err != nil {
		return nil, err
	}
	if mark.Payload == pmem.NullAddr {
		return nil, apierrors.ErrNonexist
	}
	df := readContDf(p.pm, mark.Payload)
	c := &Container{
		pool:  p,
		id:    id,
		rec:   mark.Payload,
		oi:    kbtr.Open(p.pm, df.OIRoot, kbtr.ClassOpaque, p.res),
		cache: newObjCache(p.cfg.ObjCacheSize),
	}
	return c, nil
}

// ListContainers enumerates the registered container uuids.
func (p *Pool) ListContainers(ctx context.Context) ([]uuid.UUID, error) {
	var out []uuid.UUID
	it := p.conts.Iterate()
	err := it.Probe(kbtr.ProbeFirst, nil, 0)
	for err == nil {
		var m kbtr.Mark
		if m, err = it.Fetch(); err != nil {
			break
		}
		var id uuid.UUID
		copy(id[:], m.Key)
		out = append(out, id)
		err = it.Next()
	}
	if err != nil && !apierrors.Is(err, apierrors.ErrNonexist) {
		return nil, err
	}
	return out, nil
}

func (c *Container) UUID() uuid.UUID {
	return c.id
}

// ObjCount returns the number of object records in the index.
func (c *Container) ObjCount() uint64 {
	return readContDf(c.pool.pm, c.rec).ObjCount
}

// Close drops the handle. All durable state stays behind.
func (c *Container) Close() error {
	if c.cache.holds() > 0 {
		return apierrors.ErrBusy
	}
	c.cache.clear()
	return nil
}

// DestroyContainer removes a container and every object under it in
// one transaction.
func (p *Pool) DestroyContainer(ctx context.Context, id uuid.UUID) error {
	span := trace.SpanFromContextSafe(ctx)
	mark, err := p.conts.Latest(id[:])
	if err != nil {
		return err
	}
	rec := mark.Payload
	return p.pm.RunTx(ctx, func(tx *pmem.Tx) error {
		if rec != pmem.NullAddr {
			df := readContDf(p.pm, rec)
			oi := kbtr.Open(p.pm, df.OIRoot, kbtr.ClassOpaque, p.res)
			if err := oi.Drain(tx, func(m kbtr.Mark) error {
				return p.freeObject(tx, m.Payload)
			}); err != nil {
				return err
			}
			if err := tx.Free(df.OIRoot); err != nil {
				return err
			}
			if err := tx.Free(rec); err != nil {
				return err
			}
		}
		for {
			m, err := p.conts.Latest(id[:])
			if err != nil {
				if apierrors.Is(err, apierrors.ErrNonexist) {
					break
				}
				return err
			}
			if err = p.conts.Delete(tx, m.Node); err != nil {
				return err
			}
		}
		span.Infof("container %s destroyed", id)
		return nil
	})
}

// freeObject releases an object record with its whole key hierarchy.
// Drain hands a payload shared by several marks of a key to its callback
// once, so each record is freed once.
func (p *Pool) freeObject(tx *pmem.Tx, rec pmem.Addr) error {
	if rec == pmem.NullAddr {
		return nil
	}
	df := readObjDf(p.pm, rec)
	if df.DkeyRoot != pmem.NullAddr {
		dk := kbtr.Open(p.pm, df.DkeyRoot, kbtr.ClassOpaque, p.res)
		if err := dk.Drain(tx, func(m kbtr.Mark) error {
			return p.freeKey(tx, m.Payload, true)
		}); err != nil {
			return err
		}
		if err := tx.Free(df.DkeyRoot); err != nil {
			return err
		}
	}
	return tx.Free(rec)
}

// freeKey releases a key record; dkey records cascade into their akey
// subtree.
func (p *Pool) freeKey(tx *pmem.Tx, rec pmem.Addr, dkey bool) error {
	if rec == pmem.NullAddr {
		return nil
	}
	df := readKeyDf(p.pm, rec)
	if dkey {
		if df.SubBtr != pmem.NullAddr {
			ak := kbtr.Open(p.pm, df.SubBtr, kbtr.ClassOpaque, p.res)
			if err := ak.Drain(tx, func(m kbtr.Mark) error {
				return p.freeKey(tx, m.Payload, false)
			}); err != nil {
				return err
			}
			if err := tx.Free(df.SubBtr); err != nil {
				return err
			}
		}
		return tx.Free(rec)
	}
	if df.Kind&bfBtr != 0 && df.SubBtr != pmem.NullAddr {
		sv := kbtr.Open(p.pm, df.SubBtr, kbtr.ClassUint64, p.res)
		if err := sv.Drain(tx, func(m kbtr.Mark) error {
			return p.freeValueRec(tx, m.Payload)
		}); err != nil {
			return err
		}
		if err := tx.Free(df.SubBtr); err != nil {
			return err
		}
	}
	if df.Kind&bfEvt != 0 && df.SubEvt != pmem.NullAddr {
		et := evt.Open(p.pm, df.SubEvt)
		if err := et.Drain(tx, func(e evt.Entry) error {
			return p.freeValue(tx, e.Addr)
		}); err != nil {
			return err
		}
		if err := tx.Free(df.SubEvt); err != nil {
			return err
		}
	}
	return tx.Free(rec)
}

func (p *Pool) freeValueRec(tx *pmem.Tx, rec pmem.Addr) error {
	if rec == pmem.NullAddr {
		return nil
	}
	df := readSvDf(p.pm, rec)
	if err := p.freeValue(tx, df.Addr); err != nil {
		return err
	}
	return tx.Free(rec)
}

func (c *Container) addObjCount(tx *pmem.Tx, delta int64) {
	df := readContDf(c.pool.pm, c.rec)
	tx.Add(c.rec+cdOffObjCount, 8)
	binary.LittleEndian.PutUint64(c.pool.pm.Direct(c.rec+cdOffObjCount, 8),
		uint64(int64(df.ObjCount)+delta))
}
