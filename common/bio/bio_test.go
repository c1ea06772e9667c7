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

package bio

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cubefs/vosdb/common/fault"
	"github.com/cubefs/vosdb/common/pmem"
	apierrors "github.com/cubefs/vosdb/errors"
)

// memArena is a Mem over a plain slice, standing in for the PM pool.
type memArena struct {
	b []byte
}

func (m *memArena) Direct(addr pmem.Addr, size uint64) []byte {
	return m.b[uint64(addr) : uint64(addr)+size]
}

func testIoc(t *testing.T) *IoContext {
	t.Helper()
	cfg := Config{
		BdevClass: ClassFile,
		Path:      filepath.Join(t.TempDir(), "blob"),
		Capacity:  1 << 20,
	}
	ioc, err := CreateContext(context.Background(), cfg, &memArena{b: make([]byte, 1<<16)}, Header{
		XstreamID:   1,
		BlobID:      7,
		BlobstoreID: uuid.New(),
		PoolID:      uuid.New(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { ioc.Close() })
	return ioc
}

func TestCreateOpenHeader(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		BdevClass: ClassFile,
		Path:      filepath.Join(t.TempDir(), "blob"),
	}
	hdr := Header{
		XstreamID:   3,
		BlobID:      11,
		BlobstoreID: uuid.New(),
		PoolID:      uuid.New(),
	}
	ioc, err := CreateContext(ctx, cfg, &memArena{}, hdr)
	require.NoError(t, err)
	require.EqualValues(t, defaultBlockSize, ioc.BlockSize())
	require.EqualValues(t, defaultBlockSize, ioc.DataStart())
	require.NoError(t, ioc.Close())

	ioc2, err := OpenContext(ctx, cfg, &memArena{})
	require.NoError(t, err)
	defer ioc2.Close()
	got := ioc2.Header()
	require.Equal(t, hdr.XstreamID, got.XstreamID)
	require.Equal(t, hdr.BlobID, got.BlobID)
	require.Equal(t, hdr.BlobstoreID, got.BlobstoreID)
	require.Equal(t, hdr.PoolID, got.PoolID)
}

func TestOpenNonexist(t *testing.T) {
	_, err := OpenContext(context.Background(), Config{
		BdevClass: ClassFile,
		Path:      filepath.Join(t.TempDir(), "nope"),
	}, &memArena{})
	require.True(t, apierrors.Is(err, apierrors.ErrNonexist))
}

func TestOpenUnformatted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(path, make([]byte, defaultBlockSize), 0o644))
	_, err := OpenContext(context.Background(), Config{
		BdevClass: ClassFile,
		Path:      path,
	}, &memArena{})
	require.True(t, apierrors.Is(err, apierrors.ErrUninit))
}

func TestMallocBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	ioc, err := CreateContext(ctx, Config{
		BdevClass: ClassMalloc,
		Capacity:  1 << 20,
	}, &memArena{}, Header{XstreamID: 1})
	require.NoError(t, err)
	defer ioc.Close()

	off := ioc.DataStart()
	d, err := ioc.Prep(ctx, OpUpdate, []AddrSize{{Addr: NvmeAddr(off), Size: 8}})
	require.NoError(t, err)
	copy(d.Iovs[0].Data, "nvmedata")
	require.NoError(t, d.Post(ctx))

	d, err = ioc.Prep(ctx, OpFetch, []AddrSize{{Addr: NvmeAddr(off), Size: 8}})
	require.NoError(t, err)
	require.Equal(t, []byte("nvmedata"), d.Iovs[0].Data)
	require.NoError(t, d.Post(ctx))
}

func TestMallocNoCapacity(t *testing.T) {
	_, err := CreateContext(context.Background(), Config{BdevClass: ClassMalloc}, &memArena{}, Header{})
	require.True(t, apierrors.Is(err, apierrors.ErrInval))
}

func TestPrepFetchHoleZeroed(t *testing.T) {
	ctx := context.Background()
	ioc := testIoc(t)

	d, err := ioc.Prep(ctx, OpFetch, []AddrSize{{Addr: HoleAddr(), Size: 16}})
	require.NoError(t, err)
	require.Equal(t, make([]byte, 16), d.Iovs[0].Data)
	require.NoError(t, d.Post(ctx))
}

func TestPrepUpdateHoleInvalid(t *testing.T) {
	ioc := testIoc(t)
	_, err := ioc.Prep(context.Background(), OpUpdate, []AddrSize{{Addr: HoleAddr(), Size: 16}})
	require.True(t, apierrors.Is(err, apierrors.ErrIOInval))
}

func TestPrepScmAliasesArena(t *testing.T) {
	ctx := context.Background()
	arena := &memArena{b: make([]byte, 1<<12)}
	ioc, err := CreateContext(ctx, Config{
		BdevClass: ClassFile,
		Path:      filepath.Join(t.TempDir(), "blob"),
	}, arena, Header{XstreamID: 1})
	require.NoError(t, err)
	defer ioc.Close()

	d, err := ioc.Prep(ctx, OpUpdate, []AddrSize{{Addr: ScmAddr(64), Size: 5}})
	require.NoError(t, err)
	copy(d.Iovs[0].Data, "hello")
	require.NoError(t, d.Post(ctx))
	// scm regions write straight through to pool memory
	require.Equal(t, []byte("hello"), arena.b[64:69])

	d, err = ioc.Prep(ctx, OpFetch, []AddrSize{{Addr: ScmAddr(64), Size: 5}})
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), d.Iovs[0].Data)
	require.NoError(t, d.Post(ctx))
}

func TestNvmeUpdateFetchRoundTrip(t *testing.T) {
	ctx := context.Background()
	ioc := testIoc(t)

	off := ioc.DataStart()
	payload := []byte("block payload across the blob")
	d, err := ioc.Prep(ctx, OpUpdate, []AddrSize{{Addr: NvmeAddr(off), Size: uint64(len(payload))}})
	require.NoError(t, err)
	copy(d.Iovs[0].Data, payload)
	require.NoError(t, d.Post(ctx))
	require.NoError(t, ioc.Flush(ctx))

	d, err = ioc.Prep(ctx, OpFetch, []AddrSize{{Addr: NvmeAddr(off), Size: uint64(len(payload))}})
	require.NoError(t, err)
	require.Equal(t, payload, d.Iovs[0].Data)
	require.NoError(t, d.Post(ctx))
}

func TestMixedSgl(t *testing.T) {
	ctx := context.Background()
	arena := &memArena{b: make([]byte, 1<<12)}
	copy(arena.b[128:], "scm")
	ioc, err := CreateContext(ctx, Config{
		BdevClass: ClassFile,
		Path:      filepath.Join(t.TempDir(), "blob"),
	}, arena, Header{XstreamID: 1})
	require.NoError(t, err)
	defer ioc.Close()

	d, err := ioc.Prep(ctx, OpFetch, []AddrSize{
		{Addr: ScmAddr(128), Size: 3},
		{Addr: HoleAddr(), Size: 4},
	})
	require.NoError(t, err)
	sgl := d.Sgl()
	require.Len(t, sgl.Iovs, 2)
	require.Equal(t, []byte("scm"), sgl.Iovs[0])
	require.Equal(t, make([]byte, 4), sgl.Iovs[1])
	require.EqualValues(t, 7, sgl.TotalSize())
	require.NoError(t, d.Post(ctx))
}

func TestPostTwice(t *testing.T) {
	ctx := context.Background()
	ioc := testIoc(t)

	d, err := ioc.Prep(ctx, OpFetch, []AddrSize{{Addr: HoleAddr(), Size: 8}})
	require.NoError(t, err)
	require.NoError(t, d.Post(ctx))
	require.True(t, apierrors.Is(d.Post(ctx), apierrors.ErrIOInval))
}

func TestNvmeSubmitFault(t *testing.T) {
	ctx := context.Background()
	ioc := testIoc(t)

	ctl := fault.NewController()
	boom := errors.New("submit fault")
	ctl.SetRule(fault.SiteNvmeSubmit, fault.Once, 0, boom)
	fault.Set(ctl)
	t.Cleanup(fault.Reset)

	d, err := ioc.Prep(ctx, OpUpdate, []AddrSize{{Addr: NvmeAddr(ioc.DataStart()), Size: 8}})
	require.NoError(t, err)
	copy(d.Iovs[0].Data, "doomed!!")
	require.Equal(t, boom, d.Post(ctx))
}
