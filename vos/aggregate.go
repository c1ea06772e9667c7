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

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/vosdb/common/pmem"
	apierrors "github.com/cubefs/vosdb/errors"
	"github.com/cubefs/vosdb/proto"
	"github.com/cubefs/vosdb/vos/evt"
	"github.com/cubefs/vosdb/vos/kbtr"
)

// Aggregate retires versions the epoch range epr makes indistinct:
// within a key only the newest mark in range survives, whole extents
// overwritten inside the range are freed, and a tombstone left with
// nothing above or below it disappears together with its subtree. No
// reader may sit at or below epr.Hi while it runs.
func (c *Container) Aggregate(ctx context.Context, epr proto.EpochRange) error {
	if epr.Hi < epr.Lo {
		return apierrors.ErrInval
	}
	span := trace.SpanFromContextSafe(ctx)

	groups, err := collectKeys(c.oi)
	if err != nil {
		return err
	}
	for _, g := range groups {
		oid := oidOf(g.key)
		err = c.pool.pm.RunTx(ctx, func(tx *pmem.Tx) error {
			if rec := newestPayload(g.marks); rec != pmem.NullAddr {
				if err := c.aggObject(ctx, tx, rec, epr); err != nil {
					return err
				}
			}
			return c.aggMarks(ctx, tx, c.oi, g, epr, func(tx *pmem.Tx, rec pmem.Addr) error {
				if err := c.pool.freeObject(tx, rec); err != nil {
					return err
				}
				c.addObjCount(tx, -1)
				return nil
			})
		})
		if err != nil {
			return err
		}
		c.cache.evict(oid)
	}
	span.Debugf("container %s aggregated (%d, %d)", c.id, epr.Lo, epr.Hi)
	return nil
}

// DiscardEpoch drops every mark and extent whose epoch falls inside
// epr, as if those updates never committed. Keys and objects left
// without marks are freed with their subtrees.
func (c *Container) DiscardEpoch(ctx context.Context, epr proto.EpochRange) error {
	if epr.Hi < epr.Lo {
		return apierrors.ErrInval
	}
	span := trace.SpanFromContextSafe(ctx)

	groups, err := collectKeys(c.oi)
	if err != nil {
		return err
	}
	for _, g := range groups {
		oid := oidOf(g.key)
		err = c.pool.pm.RunTx(ctx, func(tx *pmem.Tx) error {
			if rec := newestPayload(g.marks); rec != pmem.NullAddr {
				if err := c.discardObject(ctx, tx, rec, epr); err != nil {
					return err
				}
			}
			return c.discardMarks(tx, c.oi, g, epr, func(tx *pmem.Tx, rec pmem.Addr) error {
				if err := c.pool.freeObject(tx, rec); err != nil {
					return err
				}
				c.addObjCount(tx, -1)
				return nil
			})
		})
		if err != nil {
			return err
		}
		c.cache.evict(oid)
	}
	span.Debugf("container %s discarded (%d, %d)", c.id, epr.Lo, epr.Hi)
	return nil
}

// keyGroup is one key with its marks newest first.
type keyGroup struct {
	key   []byte
	marks []kbtr.Mark
}

// collectKeys snapshots a tree as key groups so mutation does not race
// the walk. Marks within a group come back newest first.
func collectKeys(t *kbtr.Tree) ([]keyGroup, error) {
	var groups []keyGroup
	it := t.Iterate()
	err := it.Probe(kbtr.ProbeFirst, nil, 0)
	for err == nil {
		var m kbtr.Mark
		if m, err = it.Fetch(); err != nil {
			break
		}
		n := len(groups)
		if n == 0 || !bytes.Equal(groups[n-1].key, m.Key) {
			groups = append(groups, keyGroup{key: m.Key})
			n++
		}
		groups[n-1].marks = append(groups[n-1].marks, m)
		err = it.Next()
	}
	if err != nil && !apierrors.Is(err, apierrors.ErrNonexist) {
		return nil, err
	}
	return groups, nil
}

// newestPayload finds the payload shared by a key's marks.
func newestPayload(marks []kbtr.Mark) pmem.Addr {
	for _, m := range marks {
		if m.Payload != pmem.NullAddr {
			return m.Payload
		}
	}
	return pmem.NullAddr
}

// aggMarks applies the range rule to one key: marks inside epr other
// than the newest are deleted; a surviving tombstone with no mark left
// on either side takes the payload subtree down with it via freeRec.
func (c *Container) aggMarks(ctx context.Context, tx *pmem.Tx, t *kbtr.Tree, g keyGroup, epr proto.EpochRange, freeRec func(*pmem.Tx, pmem.Addr) error) error {
	var keep *kbtr.Mark
	var newer, older int
	for i := range g.marks {
		m := g.marks[i]
		switch {
		case m.Epoch > epr.Hi:
			newer++
		case m.Epoch < epr.Lo:
			older++
		case keep == nil:
			keep = &g.marks[i]
		default:
			if err := t.Delete(tx, m.Node); err != nil {
				return err
			}
		}
	}
	if keep != nil && keep.Punched() && newer == 0 && older == 0 {
		rec := newestPayload(g.marks)
		if err := t.Delete(tx, keep.Node); err != nil {
			return err
		}
		if rec != pmem.NullAddr && freeRec != nil {
			return freeRec(tx, rec)
		}
	}
	return nil
}

// discardMarks removes every mark of one key inside epr; when none
// remain the payload subtree goes too.
func (c *Container) discardMarks(tx *pmem.Tx, t *kbtr.Tree, g keyGroup, epr proto.EpochRange, freeRec func(*pmem.Tx, pmem.Addr) error) error {
	var left int
	for _, m := range g.marks {
		if m.Epoch < epr.Lo || m.Epoch > epr.Hi {
			left++
			continue
		}
		if err := t.Delete(tx, m.Node); err != nil {
			return err
		}
	}
	if left == 0 {
		if rec := newestPayload(g.marks); rec != pmem.NullAddr && freeRec != nil {
			return freeRec(tx, rec)
		}
	}
	return nil
}

func (c *Container) aggObject(ctx context.Context, tx *pmem.Tx, rec pmem.Addr, epr proto.EpochRange) error {
	df := readObjDf(c.pool.pm, rec)
	if df.DkeyRoot == pmem.NullAddr {
		return nil
	}
	dk := kbtr.Open(c.pool.pm, df.DkeyRoot, kbtr.ClassOpaque, c.pool.res)
	groups, err := collectKeys(dk)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if krec := newestPayload(g.marks); krec != pmem.NullAddr {
			if err = c.aggDkeyRec(ctx, tx, krec, epr); err != nil {
				return err
			}
		}
		if err = c.aggMarks(ctx, tx, dk, g, epr, func(tx *pmem.Tx, krec pmem.Addr) error {
			return c.pool.freeKey(tx, krec, true)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Container) aggDkeyRec(ctx context.Context, tx *pmem.Tx, rec pmem.Addr, epr proto.EpochRange) error {
	df := readKeyDf(c.pool.pm, rec)
	if df.SubBtr == pmem.NullAddr {
		return nil
	}
	ak := kbtr.Open(c.pool.pm, df.SubBtr, kbtr.ClassOpaque, c.pool.res)
	groups, err := collectKeys(ak)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if krec := newestPayload(g.marks); krec != pmem.NullAddr {
			if err = c.aggAkeyRec(ctx, tx, krec, epr); err != nil {
				return err
			}
		}
		if err = c.aggMarks(ctx, tx, ak, g, epr, func(tx *pmem.Tx, krec pmem.Addr) error {
			return c.pool.freeKey(tx, krec, false)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Container) aggAkeyRec(ctx context.Context, tx *pmem.Tx, rec pmem.Addr, epr proto.EpochRange) error {
	df := readKeyDf(c.pool.pm, rec)
	if df.Kind&bfBtr != 0 && df.SubBtr != pmem.NullAddr {
		return c.aggSingles(tx, df.SubBtr, epr)
	}
	if df.Kind&bfEvt != 0 && df.SubEvt != pmem.NullAddr {
		return c.aggExtents(ctx, tx, df.SubEvt, epr)
	}
	return nil
}

// aggSingles keeps the newest single value inside epr and frees the
// rest; each epoch owns its record.
func (c *Container) aggSingles(tx *pmem.Tx, root pmem.Addr, epr proto.EpochRange) error {
	sv := kbtr.Open(c.pool.pm, root, kbtr.ClassUint64, c.pool.res)
	groups, err := collectKeys(sv)
	if err != nil {
		return err
	}
	// One mark per epoch key; groups ascend by epoch.
	var newest *kbtr.Mark
	for i := len(groups) - 1; i >= 0; i-- {
		m := &groups[i].marks[0]
		if m.Epoch < epr.Lo || m.Epoch > epr.Hi {
			continue
		}
		if newest == nil {
			newest = m
			continue
		}
		if err = sv.Delete(tx, m.Node); err != nil {
			return err
		}
		if err = c.pool.freeValueRec(tx, m.Payload); err != nil {
			return err
		}
	}
	return nil
}

// aggExtents frees whole extents the range sweep proves covered.
func (c *Container) aggExtents(ctx context.Context, tx *pmem.Tx, root pmem.Addr, epr proto.EpochRange) error {
	et := evt.Open(c.pool.pm, root)
	segs, err := et.Find(ctx, epr, proto.Recx{Lo: 0, Hi: ^uint64(0)}, evt.FlagForPurge|evt.FlagSkipHoles)
	if err != nil {
		return err
	}
	visible := make(map[pmem.Addr]bool)
	covered := make(map[pmem.Addr]evt.Segment)
	for _, s := range segs {
		switch s.Vis {
		case evt.Visible:
			visible[s.Node] = true
		case evt.Covered:
			if s.WholeEntry {
				covered[s.Node] = s
			}
		}
	}
	for node, s := range covered {
		if visible[node] {
			continue
		}
		if err = et.Delete(tx, node); err != nil {
			return err
		}
		if err = c.pool.freeValue(tx, s.Addr); err != nil {
			return err
		}
	}
	return nil
}

func (c *Container) discardObject(ctx context.Context, tx *pmem.Tx, rec pmem.Addr, epr proto.EpochRange) error {
	df := readObjDf(c.pool.pm, rec)
	if df.DkeyRoot == pmem.NullAddr {
		return nil
	}
	dk := kbtr.Open(c.pool.pm, df.DkeyRoot, kbtr.ClassOpaque, c.pool.res)
	groups, err := collectKeys(dk)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if krec := newestPayload(g.marks); krec != pmem.NullAddr {
			if err = c.discardDkeyRec(ctx, tx, krec, epr); err != nil {
				return err
			}
		}
		if err = c.discardMarks(tx, dk, g, epr, func(tx *pmem.Tx, krec pmem.Addr) error {
			return c.pool.freeKey(tx, krec, true)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Container) discardDkeyRec(ctx context.Context, tx *pmem.Tx, rec pmem.Addr, epr proto.EpochRange) error {
	df := readKeyDf(c.pool.pm, rec)
	if df.SubBtr == pmem.NullAddr {
		return nil
	}
	ak := kbtr.Open(c.pool.pm, df.SubBtr, kbtr.ClassOpaque, c.pool.res)
	groups, err := collectKeys(ak)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if krec := newestPayload(g.marks); krec != pmem.NullAddr {
			if err = c.discardAkeyRec(ctx, tx, krec, epr); err != nil {
				return err
			}
		}
		if err = c.discardMarks(tx, ak, g, epr, func(tx *pmem.Tx, krec pmem.Addr) error {
			return c.pool.freeKey(tx, krec, false)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Container) discardAkeyRec(ctx context.Context, tx *pmem.Tx, rec pmem.Addr, epr proto.EpochRange) error {
	df := readKeyDf(c.pool.pm, rec)
	if df.Kind&bfBtr != 0 && df.SubBtr != pmem.NullAddr {
		sv := kbtr.Open(c.pool.pm, df.SubBtr, kbtr.ClassUint64, c.pool.res)
		groups, err := collectKeys(sv)
		if err != nil {
			return err
		}
		for _, g := range groups {
			m := g.marks[0]
			if m.Epoch < epr.Lo || m.Epoch > epr.Hi {
				continue
			}
			if err = sv.Delete(tx, m.Node); err != nil {
				return err
			}
			if err = c.pool.freeValueRec(tx, m.Payload); err != nil {
				return err
			}
		}
		return nil
	}
	if df.Kind&bfEvt != 0 && df.SubEvt != pmem.NullAddr {
		et := evt.Open(c.pool.pm, df.SubEvt)
		for _, e := range et.Entries() {
			if e.Epoch < epr.Lo || e.Epoch > epr.Hi {
				continue
			}
			if err := et.Delete(tx, e.Node); err != nil {
				return err
			}
			if err := c.pool.freeValue(tx, e.Addr); err != nil {
				return err
			}
		}
	}
	return nil
}
