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

// QueryResult carries the selected key path. Dkey and Akey are set
// when the corresponding flag asked for them; Recx when QueryRecx did.
type QueryResult struct {
	Dkey []byte
	Akey []byte
	Recx proto.Recx
}

// QueryKey selects the minimum or maximum live key path of an object
// at epoch. With QueryAkey alone the caller supplies dkey; with
// QueryDkey|QueryAkey both are chosen jointly, falling back over dkeys
// whose subtree holds nothing live. QueryRecx additionally returns the
// extreme visible extent of the selected akey.
func (c *Container) QueryKey(ctx context.Context, oid proto.ObjectID, flags uint32, epoch proto.Epoch, dkey, akey []byte) (QueryResult, error) {
	var res QueryResult
	max := flags&proto.QueryMax != 0
	min := flags&proto.QueryMin != 0
	if max == min {
		return res, apierrors.ErrInval
	}
	if flags&(proto.QueryDkey|proto.QueryAkey|proto.QueryRecx) == 0 {
		return res, apierrors.ErrInval
	}
	if flags&proto.QueryDkey == 0 && flags&(proto.QueryAkey|proto.QueryRecx) != 0 && len(dkey) == 0 {
		return res, apierrors.ErrInval
	}
	if flags&(proto.QueryDkey|proto.QueryAkey) == 0 && flags&proto.QueryRecx != 0 && len(akey) == 0 {
		return res, apierrors.ErrInval
	}

	o, err := c.HoldObject(ctx, oid, epoch, false, proto.IntentDefault)
	if err != nil {
		return res, err
	}
	defer o.Release()
	if o.punched {
		return res, apierrors.ErrNonexist
	}

	dk, err := o.dkeyTree()
	if err != nil {
		return res, err
	}

	if flags&proto.QueryDkey == 0 {
		dres, ok, err := resolveKey(ctx, dk, dkey, epoch, o.punchEpoch, proto.IntentDefault)
		if err != nil {
			return res, err
		}
		if !ok || dres.mark.Payload == pmem.NullAddr {
			return res, apierrors.ErrNonexist
		}
		return c.queryUnder(ctx, o, dres, flags, epoch, akey, max, res)
	}

	// Walk dkeys from the extreme end; a dkey whose subtree yields
	// nothing live is skipped and the walk continues.
	cur := kbtr.Mark{}
	it := dk.Iterate()
	err = probeExtreme(it, max)
	for err == nil {
		cur, err = keyAt(it, epoch)
		if err != nil {
			break
		}
		if cur.Key != nil {
			dres := keyRes{mark: cur, floor: o.punchEpoch}
			if !cur.Punched() && cur.Epoch > o.punchEpoch && cur.Payload != pmem.NullAddr {
				got, qerr := c.queryUnder(ctx, o, dres, flags, epoch, akey, max, res)
				if qerr == nil {
					got.Dkey = cur.Key
					return got, nil
				}
				if !apierrors.Is(qerr, apierrors.ErrNonexist) {
					return res, qerr
				}
			}
		}
		err = stepKey(it, cur.Key, max)
	}
	if apierrors.Is(err, apierrors.ErrNonexist) {
		return res, apierrors.ErrNonexist
	}
	return res, err
}

// queryUnder answers the akey/recx part below one resolved dkey.
func (c *Container) queryUnder(ctx context.Context, o *Object, dres keyRes, flags uint32, epoch proto.Epoch, akey []byte, max bool, res QueryResult) (QueryResult, error) {
	if flags&(proto.QueryAkey|proto.QueryRecx) == 0 {
		return res, nil
	}
	df := readKeyDf(c.pool.pm, dres.mark.Payload)
	if df.SubBtr == pmem.NullAddr {
		return res, apierrors.ErrNonexist
	}
	ak := o.btr(df.SubBtr, o.akClass)

	if flags&proto.QueryAkey == 0 {
		ares, ok, err := resolveKey(ctx, ak, akey, epoch, dres.floor, proto.IntentDefault)
		if err != nil {
			return res, err
		}
		if !ok || ares.mark.Payload == pmem.NullAddr {
			return res, apierrors.ErrNonexist
		}
		return c.queryRecx(ctx, o, ares, flags, epoch, res)
	}

	it := ak.Iterate()
	err := probeExtreme(it, max)
	for err == nil {
		var cur kbtr.Mark
		cur, err = keyAt(it, epoch)
		if err != nil {
			break
		}
		if cur.Key != nil && !cur.Punched() && cur.Epoch > dres.floor && cur.Payload != pmem.NullAddr {
			ares := keyRes{mark: cur, floor: dres.floor}
			if cur.Epoch > ares.floor {
				got, qerr := c.queryRecx(ctx, o, ares, flags, epoch, res)
				if qerr == nil {
					got.Akey = cur.Key
					return got, nil
				}
				if !apierrors.Is(qerr, apierrors.ErrNonexist) {
					return res, qerr
				}
			}
		}
		err = stepKey(it, cur.Key, max)
	}
	return res, err
}

// queryRecx checks one akey's extent set is live and, when the query
// asked for it, reports the extreme visible extent. Single-value
// akeys satisfy the query with the key alone.
func (c *Container) queryRecx(ctx context.Context, o *Object, ares keyRes, flags uint32, epoch proto.Epoch, res QueryResult) (QueryResult, error) {
	res.Recx = proto.Recx{}
	df := readKeyDf(c.pool.pm, ares.mark.Payload)
	if df.Kind&bfEvt == 0 {
		if flags&proto.QueryRecx != 0 {
			return res, apierrors.ErrInval
		}
		return res, nil
	}
	if df.SubEvt == pmem.NullAddr {
		return res, apierrors.ErrNonexist
	}
	et := o.evtree(df.SubEvt)
	segs, err := et.Find(ctx, floorRange(ares.floor, epoch),
		proto.Recx{Lo: 0, Hi: ^uint64(0)}, evt.FlagVisible|evt.FlagSkipHoles)
	if err != nil {
		return res, err
	}
	if len(segs) == 0 {
		return res, apierrors.ErrNonexist
	}
	if flags&proto.QueryRecx != 0 {
		if flags&proto.QueryMax != 0 {
			res.Recx = segs[len(segs)-1].Recx
		} else {
			res.Recx = segs[0].Recx
		}
	}
	return res, nil
}

func probeExtreme(it *kbtr.Iterator, max bool) error {
	if max {
		return it.Probe(kbtr.ProbeLast, nil, 0)
	}
	return it.Probe(kbtr.ProbeFirst, nil, 0)
}

// keyAt repositions the cursor on the newest mark at or below epoch of
// the key it currently stands on. A nil Key in the result means the
// key has no mark at or below epoch; the caller steps past it.
func keyAt(it *kbtr.Iterator, epoch proto.Epoch) (kbtr.Mark, error) {
	m, err := it.Fetch()
	if err != nil {
		return kbtr.Mark{}, err
	}
	key := m.Key
	if err = it.Probe(kbtr.ProbeGE, key, epoch); err != nil {
		if apierrors.Is(err, apierrors.ErrNonexist) {
			return kbtr.Mark{Key: key}, reanchor(it, key)
		}
		return kbtr.Mark{}, err
	}
	got, err := it.Fetch()
	if err != nil {
		return kbtr.Mark{}, err
	}
	if !bytes.Equal(got.Key, key) {
		return kbtr.Mark{Key: key}, reanchor(it, key)
	}
	return got, nil
}

// reanchor puts the cursor back on some mark of key so stepKey can
// move off it.
func reanchor(it *kbtr.Iterator, key []byte) error {
	return it.Probe(kbtr.ProbeGE, key, proto.EpochMax)
}

// stepKey moves the cursor off every mark of key in the walk
// direction.
func stepKey(it *kbtr.Iterator, key []byte, max bool) error {
	if key == nil {
		return apierrors.ErrNonexist
	}
	if max {
		return it.Probe(kbtr.ProbeLT, key, proto.EpochMax)
	}
	return it.Probe(kbtr.ProbeGT, key, 0)
}
