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

package evt

import (
	"context"
	"sort"

	"github.com/google/btree"

	"github.com/cubefs/vosdb/common/bio"
	apierrors "github.com/cubefs/vosdb/errors"
	"github.com/cubefs/vosdb/proto"
)

type ival struct {
	lo, hi uint64
}

// subtract returns the pieces of x not covered by the sorted disjoint
// set cov.
func subtract(x ival, cov []ival) []ival {
	out := []ival{x}
	for _, c := range cov {
		var next []ival
		for _, p := range out {
			if c.hi < p.lo || c.lo > p.hi {
				next = append(next, p)
				continue
			}
			if c.lo > p.lo {
				next = append(next, ival{p.lo, c.lo - 1})
			}
			if c.hi < p.hi {
				next = append(next, ival{c.hi + 1, p.hi})
			}
		}
		out = next
		if len(out) == 0 {
			break
		}
	}
	return out
}

// cover merges x into the sorted disjoint set cov.
func cover(cov []ival, x ival) []ival {
	cov = append(cov, x)
	sort.Slice(cov, func(i, j int) bool { return cov[i].lo < cov[j].lo })
	out := cov[:1]
	for _, c := range cov[1:] {
		last := &out[len(out)-1]
		if c.lo <= last.hi+1 && last.hi+1 != 0 {
			if c.hi > last.hi {
				last.hi = c.hi
			}
			continue
		}
		out = append(out, c)
	}
	return out
}

// Find sweeps the extents overlapping recx newest-epoch-first and
// resolves every index in the range to at most one visible claim.
// Entries with epochs outside epr do not exist for the sweep, so a
// punch floor passed as epr.Lo hides older extents instead of letting
// them occlude. Holes are reported only when FlagVisible is asked and
// FlagSkipHoles is not.
func (t *Tree) Find(ctx context.Context, epr proto.EpochRange, recx proto.Recx, flags uint8) ([]Segment, error) {
	if recx.Hi < recx.Lo {
		return nil, apierrors.ErrInval
	}
	if flags&(FlagForPurge|FlagForRebuild) != 0 {
		flags |= FlagVisible | FlagCovered
	}
	t.ensure()

	var cands []Entry
	t.bt.Ascend(func(i btree.Item) bool {
		it := i.(*item)
		if it.epoch > epr.Hi || it.epoch < epr.Lo {
			return true
		}
		if it.lo <= recx.Hi && it.hi >= recx.Lo {
			cands = append(cands, t.decode(it.node))
		}
		return true
	})
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Epoch != cands[j].Epoch {
			return cands[i].Epoch > cands[j].Epoch
		}
		return cands[i].Recx.Lo < cands[j].Recx.Lo
	})

	var (
		covered []ival
		segs    []Segment
	)
	emit := func(e Entry, piece ival, vis uint8) {
		skip := piece.lo - e.Recx.Lo
		segs = append(segs, Segment{
			Recx:       proto.Recx{Lo: piece.lo, Hi: piece.hi},
			Epoch:      e.Epoch,
			Addr:       adjust(e.Addr, skip, e.RecSize),
			RecSize:    e.RecSize,
			Csum:       e.Csum,
			Vis:        vis,
			Node:       e.Node,
			WholeEntry: piece.lo == e.Recx.Lo && piece.hi == e.Recx.Hi,
		})
	}

	for _, e := range cands {
		clip := ival{e.Recx.Lo, e.Recx.Hi}
		if clip.lo < recx.Lo {
			clip.lo = recx.Lo
		}
		if clip.hi > recx.Hi {
			clip.hi = recx.Hi
		}
		vis := subtract(clip, covered)
		if flags&FlagVisible != 0 {
			for _, p := range vis {
				emit(e, p, Visible)
			}
		}
		if flags&FlagCovered != 0 {
			hid := ival{clip.lo, clip.hi}
			for _, p := range subtractAll([]ival{hid}, vis) {
				emit(e, p, Covered)
			}
		}
		covered = cover(covered, ival{clip.lo, clip.hi})
	}

	if flags&FlagVisible != 0 && flags&FlagSkipHoles == 0 {
		for _, p := range subtract(ival{recx.Lo, recx.Hi}, covered) {
			segs = append(segs, Segment{
				Recx: proto.Recx{Lo: p.lo, Hi: p.hi},
				Addr: bio.HoleAddr(),
				Vis:  Hole,
			})
		}
	}

	sort.Slice(segs, func(i, j int) bool {
		if segs[i].Recx.Lo != segs[j].Recx.Lo {
			return segs[i].Recx.Lo < segs[j].Recx.Lo
		}
		return segs[i].Epoch > segs[j].Epoch
	})
	if flags&FlagReverse != 0 {
		for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
			segs[i], segs[j] = segs[j], segs[i]
		}
	}
	return segs, nil
}

func subtractAll(xs, cov []ival) []ival {
	var out []ival
	for _, x := range xs {
		out = append(out, subtract(x, cov)...)
	}
	return out
}

// Iterator walks the segments of one sweep. The snapshot is taken at
// Probe time; deletes go through the tree and do not move the cursor.
type Iterator struct {
	t     *Tree
	segs  []Segment
	pos   int
	flags uint8
}

func (t *Tree) Iterate(flags uint8) *Iterator {
	return &Iterator{t: t, flags: flags, pos: -1}
}

// Probe computes the segment set for epr over recx and positions the
// cursor on the first segment.
func (it *Iterator) Probe(ctx context.Context, epr proto.EpochRange, recx proto.Recx) error {
	segs, err := it.t.Find(ctx, epr, recx, it.flags)
	if err != nil {
		return err
	}
	it.segs = segs
	it.pos = 0
	if len(segs) == 0 {
		return apierrors.ErrNonexist
	}
	return nil
}

func (it *Iterator) Next() error {
	if it.pos < 0 || it.pos >= len(it.segs) {
		return apierrors.ErrNonexist
	}
	it.pos++
	if it.pos >= len(it.segs) {
		return apierrors.ErrNonexist
	}
	return nil
}

func (it *Iterator) Fetch() (Segment, error) {
	if it.pos < 0 || it.pos >= len(it.segs) {
		return Segment{}, apierrors.ErrNonexist
	}
	return it.segs[it.pos], nil
}
