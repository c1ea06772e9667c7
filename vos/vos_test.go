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
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cubefs/vosdb/common/bio"
	"github.com/cubefs/vosdb/common/fault"
	"github.com/cubefs/vosdb/common/pmem"
	apierrors "github.com/cubefs/vosdb/errors"
	"github.com/cubefs/vosdb/proto"
)

func testPool(t *testing.T) *Pool {
	t.Helper()
	dir := t.TempDir()
	cfg := PoolConfig{
		UUID:      uuid.New().String(),
		XstreamID: 1,
		Pmem:      pmem.Config{Path: filepath.Join(dir, "pm"), Capacity: 1 << 24},
		Bio:       bio.Config{BdevClass: bio.ClassFile, Path: filepath.Join(dir, "blob"), Capacity: 1 << 24},
	}
	p, err := CreatePool(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func testCont(t *testing.T) (*Pool, *Container) {
	t.Helper()
	p := testPool(t)
	id := uuid.New()
	require.NoError(t, p.CreateContainer(context.Background(), id))
	c, err := p.OpenContainer(context.Background(), id)
	require.NoError(t, err)
	return p, c
}

func oneSgl(n uint64) bio.Sgl {
	return bio.Sgl{Iovs: [][]byte{make([]byte, n)}}
}

func updSingle(t *testing.T, c *Container, oid proto.ObjectID, epoch proto.Epoch, dkey, akey string, val []byte) {
	t.Helper()
	iods := []proto.Iod{{Akey: []byte(akey), Type: proto.IodSingle, RecSize: uint64(len(val))}}
	sgls := []bio.Sgl{{Iovs: [][]byte{val}}}
	require.NoError(t, c.Update(context.Background(), oid, epoch, []byte(dkey), iods, sgls))
}

func updArray(t *testing.T, c *Container, oid proto.ObjectID, epoch proto.Epoch, dkey, akey string, rx proto.Recx, val []byte) {
	t.Helper()
	iods := []proto.Iod{{Akey: []byte(akey), Type: proto.IodArray, RecSize: 1, Recxs: []proto.Recx{rx}}}
	sgls := []bio.Sgl{{Iovs: [][]byte{val}}}
	require.NoError(t, c.Update(context.Background(), oid, epoch, []byte(dkey), iods, sgls))
}

func fetchSingle(t *testing.T, c *Container, oid proto.ObjectID, epoch proto.Epoch, dkey, akey string, buf uint64) (uint64, []byte) {
	t.Helper()
	iods := []proto.Iod{{Akey: []byte(akey), Type: proto.IodSingle}}
	sgl := oneSgl(buf)
	res, err := c.Fetch(context.Background(), oid, epoch, []byte(dkey), iods, []bio.Sgl{sgl})
	require.NoError(t, err)
	return res[0].Size, sgl.Iovs[0][:res[0].Size]
}

func fetchArray(t *testing.T, c *Container, oid proto.ObjectID, epoch proto.Epoch, dkey, akey string, rx proto.Recx) []byte {
	t.Helper()
	iods := []proto.Iod{{Akey: []byte(akey), Type: proto.IodArray, RecSize: 1, Recxs: []proto.Recx{rx}}}
	sgl := oneSgl(rx.Count())
	_, err := c.Fetch(context.Background(), oid, epoch, []byte(dkey), iods, []bio.Sgl{sgl})
	require.NoError(t, err)
	return sgl.Iovs[0]
}

func TestSingleValueRoundTrip(t *testing.T) {
	_, c := testCont(t)
	oid := proto.ObjectID{Lo: 1}

	updSingle(t, c, oid, 5, "dk", "ak", []byte("payload"))

	size, got := fetchSingle(t, c, oid, 5, "dk", "ak", 64)
	require.EqualValues(t, 7, size)
	require.Equal(t, []byte("payload"), got)

	// later readers still see it
	size, got = fetchSingle(t, c, oid, 9, "dk", "ak", 64)
	require.EqualValues(t, 7, size)
	require.Equal(t, []byte("payload"), got)

	// readers below the creation epoch see no object at all
	_, err := c.HoldObject(context.Background(), oid, 3, false, proto.IntentDefault)
	require.True(t, apierrors.Is(err, apierrors.ErrNonexist))
}

func TestSingleValueSameEpochExist(t *testing.T) {
	_, c := testCont(t)
	oid := proto.ObjectID{Lo: 1}

	updSingle(t, c, oid, 5, "dk", "ak", []byte("one"))
	iods := []proto.Iod{{Akey: []byte("ak"), Type: proto.IodSingle, RecSize: 3}}
	err := c.Update(context.Background(), oid, 5, []byte("dk"), iods, []bio.Sgl{{Iovs: [][]byte{[]byte("two")}}})
	require.True(t, apierrors.Is(err, apierrors.ErrExist))

	// the rejected overwrite left the first value intact
	_, got := fetchSingle(t, c, oid, 5, "dk", "ak", 16)
	require.Equal(t, []byte("one"), got)
}

func TestSingleValueEpochVersions(t *testing.T) {
	_, c := testCont(t)
	oid := proto.ObjectID{Lo: 1}

	updSingle(t, c, oid, 2, "dk", "ak", []byte("v2"))
	updSingle(t, c, oid, 6, "dk", "ak", []byte("v6"))

	_, got := fetchSingle(t, c, oid, 4, "dk", "ak", 16)
	require.Equal(t, []byte("v2"), got)
	_, got = fetchSingle(t, c, oid, 6, "dk", "ak", 16)
	require.Equal(t, []byte("v6"), got)
}

func TestArrayHoleRead(t *testing.T) {
	_, c := testCont(t)
	oid := proto.ObjectID{Lo: 1}

	updArray(t, c, oid, 1, "dk", "ak", proto.Recx{Lo: 0, Hi: 1023}, bytes.Repeat([]byte{'A'}, 1024))
	updArray(t, c, oid, 1, "dk", "ak", proto.Recx{Lo: 2048, Hi: 3071}, bytes.Repeat([]byte{'C'}, 1024))

	got := fetchArray(t, c, oid, 1, "dk", "ak", proto.Recx{Lo: 0, Hi: 3071})
	require.Equal(t, bytes.Repeat([]byte{'A'}, 1024), got[:1024])
	require.Equal(t, make([]byte, 1024), got[1024:2048])
	require.Equal(t, bytes.Repeat([]byte{'C'}, 1024), got[2048:])
}

func TestArrayEpochShadowing(t *testing.T) {
	_, c := testCont(t)
	oid := proto.ObjectID{Lo: 1}

	updArray(t, c, oid, 1, "dk", "ak", proto.Recx{Lo: 0, Hi: 1023}, bytes.Repeat([]byte{'A'}, 1024))
	updArray(t, c, oid, 2, "dk", "ak", proto.Recx{Lo: 512, Hi: 1023}, bytes.Repeat([]byte{'B'}, 512))

	got := fetchArray(t, c, oid, 2, "dk", "ak", proto.Recx{Lo: 0, Hi: 1023})
	require.Equal(t, bytes.Repeat([]byte{'A'}, 512), got[:512])
	require.Equal(t, bytes.Repeat([]byte{'B'}, 512), got[512:])

	got = fetchArray(t, c, oid, 1, "dk", "ak", proto.Recx{Lo: 0, Hi: 1023})
	require.Equal(t, bytes.Repeat([]byte{'A'}, 1024), got)
}

func TestArrayNvmeSpill(t *testing.T) {
	_, c := testCont(t)
	oid := proto.ObjectID{Lo: 1}

	// past the inline threshold the payload lands on the blob device
	big := bytes.Repeat([]byte{'N'}, 8192)
	updArray(t, c, oid, 1, "dk", "ak", proto.Recx{Lo: 0, Hi: 8191}, big)

	got := fetchArray(t, c, oid, 1, "dk", "ak", proto.Recx{Lo: 0, Hi: 8191})
	require.Equal(t, big, got)
}

func TestAkeyPunchByZeroRecSize(t *testing.T) {
	_, c := testCont(t)
	oid := proto.ObjectID{Lo: 1}

	updSingle(t, c, oid, 1, "dk", "ak", []byte("live"))

	iods := []proto.Iod{{Akey: []byte("ak"), Type: proto.IodSingle, RecSize: 0}}
	require.NoError(t, c.Update(context.Background(), oid, 3, []byte("dk"), iods, []bio.Sgl{{}}))

	size, _ := fetchSingle(t, c, oid, 3, "dk", "ak", 16)
	require.Zero(t, size)
	_, got := fetchSingle(t, c, oid, 2, "dk", "ak", 16)
	require.Equal(t, []byte("live"), got)
}

func TestPunchDkeyHidesDescendants(t *testing.T) {
	ctx := context.Background()
	_, c := testCont(t)
	oid := proto.ObjectID{Lo: 1}

	updSingle(t, c, oid, 1, "dk", "ak", []byte("below"))
	require.NoError(t, c.Punch(ctx, oid, 2, []byte("dk"), nil))

	size, _ := fetchSingle(t, c, oid, 3, "dk", "ak", 16)
	require.Zero(t, size)
	_, got := fetchSingle(t, c, oid, 1, "dk", "ak", 16)
	require.Equal(t, []byte("below"), got)

	// writing above the punch resurfaces the key
	updSingle(t, c, oid, 5, "dk", "ak", []byte("above"))
	_, got = fetchSingle(t, c, oid, 5, "dk", "ak", 16)
	require.Equal(t, []byte("above"), got)
	size, _ = fetchSingle(t, c, oid, 3, "dk", "ak", 16)
	require.Zero(t, size)
}

func TestPunchAkeys(t *testing.T) {
	ctx := context.Background()
	_, c := testCont(t)
	oid := proto.ObjectID{Lo: 1}

	updSingle(t, c, oid, 1, "dk", "a1", []byte("one"))
	updSingle(t, c, oid, 1, "dk", "a2", []byte("two"))
	require.NoError(t, c.Punch(ctx, oid, 2, []byte("dk"), [][]byte{[]byte("a1")}))

	size, _ := fetchSingle(t, c, oid, 3, "dk", "a1", 16)
	require.Zero(t, size)
	_, got := fetchSingle(t, c, oid, 3, "dk", "a2", 16)
	require.Equal(t, []byte("two"), got)

	// akeys attached to a nil dkey is an invalid punch shape
	err := c.Punch(ctx, oid, 4, nil, [][]byte{[]byte("a2")})
	require.True(t, apierrors.Is(err, apierrors.ErrInval))
}

func TestPunchObject(t *testing.T) {
	ctx := context.Background()
	_, c := testCont(t)
	oid := proto.ObjectID{Lo: 1}

	updSingle(t, c, oid, 1, "dk", "ak", []byte("gone"))
	require.NoError(t, c.PunchObject(ctx, oid, 2))

	size, _ := fetchSingle(t, c, oid, 3, "dk", "ak", 16)
	require.Zero(t, size)
	_, got := fetchSingle(t, c, oid, 1, "dk", "ak", 16)
	require.Equal(t, []byte("gone"), got)

	attrs, err := c.GetAttr(ctx, oid, 3)
	require.NoError(t, err)
	require.NotZero(t, attrs&proto.ObjAttrPunched)
	attrs, err = c.GetAttr(ctx, oid, 1)
	require.NoError(t, err)
	require.Zero(t, attrs&proto.ObjAttrPunched)
}

func TestObjectAttrs(t *testing.T) {
	ctx := context.Background()
	_, c := testCont(t)
	oid := proto.ObjectID{Lo: 1}

	require.NoError(t, c.SetAttr(ctx, oid, 1, 1<<3))
	attrs, err := c.GetAttr(ctx, oid, 1)
	require.NoError(t, err)
	require.EqualValues(t, 1<<3, attrs)

	require.NoError(t, c.ClearAttr(ctx, oid, 2, 1<<3))
	attrs, err = c.GetAttr(ctx, oid, 2)
	require.NoError(t, err)
	require.Zero(t, attrs)

	// reserved bits are the engine's
	require.True(t, apierrors.Is(c.SetAttr(ctx, oid, 3, proto.ObjAttrPunched), apierrors.ErrInval))
}

func countIter(t *testing.T, it *Iter) int {
	t.Helper()
	n := 0
	err := it.First(context.Background())
	for err == nil {
		n++
		err = it.Next(context.Background())
	}
	require.True(t, apierrors.Is(err, apierrors.ErrNonexist))
	return n
}

func TestIterDkeyPunchSubsumption(t *testing.T) {
	ctx := context.Background()
	_, c := testCont(t)
	oid := proto.ObjectID{Lo: 1}

	for i := 0; i < 10; i++ {
		dkey := fmt.Sprintf("dk-%02d", i)
		updArray(t, c, oid, 1, dkey, "ak", proto.Recx{Lo: 0, Hi: 7}, bytes.Repeat([]byte{'x'}, 8))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Punch(ctx, oid, 2, []byte(fmt.Sprintf("dk-%02d", i)), nil))
	}

	it, err := c.OpenIter(ctx, IterParam{Type: proto.IterDkey, Oid: oid, Epr: proto.EpochRange{Hi: 2}})
	require.NoError(t, err)
	require.Equal(t, 7, countIter(t, it))
	require.NoError(t, it.Close())

	it, err = c.OpenIter(ctx, IterParam{Type: proto.IterDkey, Oid: oid, Epr: proto.EpochRange{Hi: 1}})
	require.NoError(t, err)
	require.Equal(t, 10, countIter(t, it))
	require.NoError(t, it.Close())
}

func TestIterNestedReleaseOrder(t *testing.T) {
	ctx := context.Background()
	_, c := testCont(t)
	oid := proto.ObjectID{Lo: 1}

	updSingle(t, c, oid, 1, "dk", "ak", []byte("v"))

	parent, err := c.OpenIter(ctx, IterParam{Type: proto.IterDkey, Oid: oid, Epr: proto.EpochRange{Hi: 1}})
	require.NoError(t, err)
	require.NoError(t, parent.First(ctx))

	child, err := parent.Nest(ctx, IterParam{Type: proto.IterAkey})
	require.NoError(t, err)
	require.NoError(t, child.First(ctx))
	e, err := child.Fetch()
	require.NoError(t, err)
	require.Equal(t, []byte("ak"), e.Key)

	// parent cannot close under an open child
	require.True(t, apierrors.Is(parent.Close(), apierrors.ErrInval))
	require.NoError(t, child.Close())
	require.NoError(t, parent.Close())
}

func TestIterNestedLeaf(t *testing.T) {
	ctx := context.Background()
	_, c := testCont(t)
	oid := proto.ObjectID{Lo: 1}

	updArray(t, c, oid, 1, "dk", "ak", proto.Recx{Lo: 0, Hi: 3}, []byte("abcd"))

	dit, err := c.OpenIter(ctx, IterParam{Type: proto.IterDkey, Oid: oid, Epr: proto.EpochRange{Hi: 1}})
	require.NoError(t, err)
	require.NoError(t, dit.First(ctx))

	ait, err := dit.Nest(ctx, IterParam{Type: proto.IterAkey})
	require.NoError(t, err)
	require.NoError(t, ait.First(ctx))

	rit, err := ait.Nest(ctx, IterParam{Type: proto.IterRecx})
	require.NoError(t, err)
	require.NoError(t, rit.First(ctx))
	e, err := rit.Fetch()
	require.NoError(t, err)
	require.Equal(t, proto.Recx{Lo: 0, Hi: 3}, e.Seg.Recx)

	// only DKEY->AKEY and AKEY->{SINGLE,RECX} nest
	_, err = rit.Nest(ctx, IterParam{Type: proto.IterRecx})
	require.True(t, apierrors.Is(err, apierrors.ErrInval))

	require.NoError(t, rit.Close())
	require.NoError(t, ait.Close())
	require.NoError(t, dit.Close())
}

func TestIterSingleEpochExpressions(t *testing.T) {
	ctx := context.Background()
	_, c := testCont(t)
	oid := proto.ObjectID{Lo: 1}

	for _, e := range []proto.Epoch{2, 4, 6, 8} {
		updSingle(t, c, oid, e, "dk", "ak", []byte(fmt.Sprintf("v%d", e)))
	}

	walk := func(expr proto.EpcExpr, epr proto.EpochRange) []proto.Epoch {
		it, err := c.OpenIter(ctx, IterParam{
			Type: proto.IterSingle, Oid: oid, Epr: epr,
			Dkey: []byte("dk"), Akey: []byte("ak"), Expr: expr,
		})
		require.NoError(t, err)
		defer it.Close()
		var out []proto.Epoch
		err = it.First(ctx)
		for err == nil {
			e, ferr := it.Fetch()
			require.NoError(t, ferr)
			out = append(out, e.Epoch)
			err = it.Next(ctx)
		}
		require.True(t, apierrors.Is(err, apierrors.ErrNonexist))
		return out
	}

	require.Equal(t, []proto.Epoch{4}, walk(proto.EpcLe, proto.EpochRange{Lo: 5, Hi: proto.EpochMax}))
	require.Equal(t, []proto.Epoch{6, 8}, walk(proto.EpcGe, proto.EpochRange{Lo: 5, Hi: proto.EpochMax}))
	require.Equal(t, []proto.Epoch{6, 4}, walk(proto.EpcRr, proto.EpochRange{Lo: 3, Hi: 7}))
	require.Equal(t, []proto.Epoch{4, 6}, walk(proto.EpcRe, proto.EpochRange{Lo: 3, Hi: 7}))
	require.Equal(t, []proto.Epoch{4}, walk(proto.EpcEq, proto.EpochRange{Lo: 4, Hi: 4}))

	it, err := c.OpenIter(ctx, IterParam{
		Type: proto.IterSingle, Oid: oid, Epr: proto.EpochRange{Lo: 5, Hi: 5},
		Dkey: []byte("dk"), Akey: []byte("ak"), Expr: proto.EpcEq,
	})
	require.NoError(t, err)
	defer it.Close()
	require.True(t, apierrors.Is(it.First(ctx), apierrors.ErrNonexist))
}

func TestIterCondAkey(t *testing.T) {
	ctx := context.Background()
	_, c := testCont(t)
	oid := proto.ObjectID{Lo: 1}

	updSingle(t, c, oid, 1, "d1", "wanted", []byte("x"))
	updSingle(t, c, oid, 1, "d2", "other", []byte("y"))

	it, err := c.OpenIter(ctx, IterParam{
		Type: proto.IterDkey, Oid: oid,
		Epr:      proto.EpochRange{Lo: 1, Hi: 1},
		CondAkey: []byte("wanted"),
	})
	require.NoError(t, err)
	defer it.Close()
	require.NoError(t, it.First(ctx))
	e, err := it.Fetch()
	require.NoError(t, err)
	require.Equal(t, []byte("d1"), e.Key)
	require.True(t, apierrors.Is(it.Next(ctx), apierrors.ErrNonexist))

	// conditional iteration across an epoch range stays rejected
	_, err = c.OpenIter(ctx, IterParam{
		Type: proto.IterDkey, Oid: oid,
		Epr:      proto.EpochRange{Lo: 1, Hi: 2},
		CondAkey: []byte("wanted"),
	})
	require.True(t, apierrors.Is(err, apierrors.ErrInval))
}

func TestQueryMinMaxAfterPunch(t *testing.T) {
	ctx := context.Background()
	_, c := testCont(t)
	oid := proto.ObjectID{Lo: 1}

	for _, ak := range []string{"a", "b", "c", "d", "e"} {
		updSingle(t, c, oid, 1, "dk", ak, []byte("v"))
	}
	require.NoError(t, c.Punch(ctx, oid, 2, []byte("dk"), [][]byte{[]byte("a"), []byte("e")}))

	res, err := c.QueryKey(ctx, oid, proto.QueryAkey|proto.QueryMin, 2, []byte("dk"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("b"), res.Akey)
	res, err = c.QueryKey(ctx, oid, proto.QueryAkey|proto.QueryMax, 2, []byte("dk"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("d"), res.Akey)

	// at the pre-punch epoch the extremes are untouched
	res, err = c.QueryKey(ctx, oid, proto.QueryAkey|proto.QueryMax, 1, []byte("dk"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("e"), res.Akey)

	require.NoError(t, c.Punch(ctx, oid, 2, []byte("dk"), [][]byte{[]byte("b"), []byte("c"), []byte("d")}))
	_, err = c.QueryKey(ctx, oid, proto.QueryAkey|proto.QueryMax, 2, []byte("dk"), nil)
	require.True(t, apierrors.Is(err, apierrors.ErrNonexist))
}

func TestQueryDkeyFallback(t *testing.T) {
	ctx := context.Background()
	_, c := testCont(t)
	oid := proto.ObjectID{Lo: 1}

	updSingle(t, c, oid, 1, "d1", "a", []byte("v"))
	updSingle(t, c, oid, 1, "d1", "b", []byte("v"))
	updSingle(t, c, oid, 1, "d2", "x", []byte("v"))
	require.NoError(t, c.Punch(ctx, oid, 2, []byte("d2"), [][]byte{[]byte("x")}))

	// the max dkey's subtree holds nothing live, so the walk falls back
	res, err := c.QueryKey(ctx, oid, proto.QueryDkey|proto.QueryAkey|proto.QueryMax, 2, nil, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("d1"), res.Dkey)
	require.Equal(t, []byte("b"), res.Akey)
}

func TestQueryRecx(t *testing.T) {
	ctx := context.Background()
	_, c := testCont(t)
	oid := proto.ObjectID{Lo: 1}

	updArray(t, c, oid, 1, "dk", "ak", proto.Recx{Lo: 0, Hi: 9}, bytes.Repeat([]byte{'a'}, 10))
	updArray(t, c, oid, 1, "dk", "ak", proto.Recx{Lo: 20, Hi: 29}, bytes.Repeat([]byte{'b'}, 10))

	res, err := c.QueryKey(ctx, oid, proto.QueryRecx|proto.QueryMax, 1, []byte("dk"), []byte("ak"))
	require.NoError(t, err)
	require.Equal(t, proto.Recx{Lo: 20, Hi: 29}, res.Recx)
	res, err = c.QueryKey(ctx, oid, proto.QueryRecx|proto.QueryMin, 1, []byte("dk"), []byte("ak"))
	require.NoError(t, err)
	require.Equal(t, proto.Recx{Lo: 0, Hi: 9}, res.Recx)

	// both or neither extreme is invalid
	_, err = c.QueryKey(ctx, oid, proto.QueryRecx|proto.QueryMin|proto.QueryMax, 1, []byte("dk"), []byte("ak"))
	require.True(t, apierrors.Is(err, apierrors.ErrInval))
	_, err = c.QueryKey(ctx, oid, proto.QueryRecx, 1, []byte("dk"), []byte("ak"))
	require.True(t, apierrors.Is(err, apierrors.ErrInval))
}

func TestCacheEvictRehydrate(t *testing.T) {
	_, c := testCont(t)
	oid := proto.ObjectID{Lo: 1}

	updSingle(t, c, oid, 1, "dk", "ak", []byte("stable"))
	_, got := fetchSingle(t, c, oid, 1, "dk", "ak", 16)
	require.Equal(t, []byte("stable"), got)

	c.cache.evict(oid)
	_, got = fetchSingle(t, c, oid, 1, "dk", "ak", 16)
	require.Equal(t, []byte("stable"), got)
}

func TestUpdateFaultAbortsClean(t *testing.T) {
	ctx := context.Background()
	_, c := testCont(t)
	oid := proto.ObjectID{Lo: 1}

	ctl := fault.NewController()
	boom := errors.New("tree alloc fault")
	ctl.SetRule(fault.SiteTreeAlloc, fault.Once, 0, boom)
	fault.Set(ctl)
	t.Cleanup(fault.Reset)

	iods := []proto.Iod{{Akey: []byte("ak"), Type: proto.IodSingle, RecSize: 4}}
	err := c.Update(ctx, oid, 1, []byte("dk"), iods, []bio.Sgl{{Iovs: [][]byte{[]byte("data")}}})
	require.Equal(t, boom, err)

	// the aborted transaction left no trace of the object
	_, err = c.HoldObject(ctx, oid, 1, false, proto.IntentDefault)
	require.True(t, apierrors.Is(err, apierrors.ErrNonexist))

	// retry lands clean
	updSingle(t, c, oid, 1, "dk", "ak", []byte("data"))
	_, got := fetchSingle(t, c, oid, 1, "dk", "ak", 16)
	require.Equal(t, []byte("data"), got)
}

func TestAggregateCollapsesVersions(t *testing.T) {
	ctx := context.Background()
	_, c := testCont(t)
	oid := proto.ObjectID{Lo: 1}

	updSingle(t, c, oid, 1, "dk", "ak", []byte("v1"))
	updSingle(t, c, oid, 2, "dk", "ak", []byte("v2"))
	updSingle(t, c, oid, 3, "dk", "ak", []byte("v3"))

	require.NoError(t, c.Aggregate(ctx, proto.EpochRange{Lo: 1, Hi: 3}))

	_, got := fetchSingle(t, c, oid, 3, "dk", "ak", 16)
	require.Equal(t, []byte("v3"), got)
	_, err := c.HoldObject(ctx, oid, 2, false, proto.IntentDefault)
	require.True(t, apierrors.Is(err, apierrors.ErrNonexist))
}

func TestDiscardEpoch(t *testing.T) {
	ctx := context.Background()
	_, c := testCont(t)
	oid := proto.ObjectID{Lo: 1}

	updSingle(t, c, oid, 1, "dk", "ak", []byte("keep"))
	updSingle(t, c, oid, 2, "dk", "ak", []byte("drop"))

	require.NoError(t, c.DiscardEpoch(ctx, proto.EpochRange{Lo: 2, Hi: 2}))

	_, got := fetchSingle(t, c, oid, 2, "dk", "ak", 16)
	require.Equal(t, []byte("keep"), got)
	_, got = fetchSingle(t, c, oid, 5, "dk", "ak", 16)
	require.Equal(t, []byte("keep"), got)
}

func TestContainerLifecycle(t *testing.T) {
	ctx := context.Background()
	p := testPool(t)

	a, b := uuid.New(), uuid.New()
	require.NoError(t, p.CreateContainer(ctx, a))
	require.NoError(t, p.CreateContainer(ctx, b))
	require.True(t, apierrors.Is(p.CreateContainer(ctx, a), apierrors.ErrExist))

	ids, err := p.ListContainers(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	c, err := p.OpenContainer(ctx, a)
	require.NoError(t, err)
	oid := proto.ObjectID{Lo: 1}
	updSingle(t, c, oid, 1, "dk", "ak", []byte("v"))
	require.EqualValues(t, 1, c.ObjCount())
	require.NoError(t, c.Close())

	require.NoError(t, p.DestroyContainer(ctx, a))
	_, err = p.OpenContainer(ctx, a)
	require.True(t, apierrors.Is(err, apierrors.ErrNonexist))
	ids, err = p.ListContainers(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)
}

func TestPoolReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := PoolConfig{
		UUID:      uuid.New().String(),
		XstreamID: 1,
		Pmem:      pmem.Config{Path: filepath.Join(dir, "pm"), Capacity: 1 << 24},
		Bio:       bio.Config{BdevClass: bio.ClassFile, Path: filepath.Join(dir, "blob"), Capacity: 1 << 24},
	}
	p, err := CreatePool(ctx, cfg)
	require.NoError(t, err)
	id := uuid.New()
	require.NoError(t, p.CreateContainer(ctx, id))
	c, err := p.OpenContainer(ctx, id)
	require.NoError(t, err)
	oid := proto.ObjectID{Lo: 9}
	updSingle(t, c, oid, 1, "dk", "ak", []byte("durable"))
	require.NoError(t, p.Close())

	p2, err := OpenPool(ctx, cfg)
	require.NoError(t, err)
	defer p2.Close()
	c2, err := p2.OpenContainer(ctx, id)
	require.NoError(t, err)
	_, got := fetchSingle(t, c2, oid, 1, "dk", "ak", 16)
	require.Equal(t, []byte("durable"), got)

	// the pool uuid is part of the contract
	bad := cfg
	bad.UUID = uuid.New().String()
	require.NoError(t, p2.Close())
	_, err = OpenPool(ctx, bad)
	require.True(t, apierrors.Is(err, apierrors.ErrProto))
	p2, err = OpenPool(ctx, cfg)
	require.NoError(t, err)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	p, c := testCont(t)

	updSingle(t, c, proto.ObjectID{Lo: 1}, 1, "dk", "ak", []byte("v"))
	updSingle(t, c, proto.ObjectID{Lo: 2}, 1, "dk", "ak", []byte("v"))

	st, err := p.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Containers)
	require.EqualValues(t, 2, st.Objects)
	require.NotZero(t, st.ScmCapacity)
	require.NotZero(t, st.ScmUsed)
}
