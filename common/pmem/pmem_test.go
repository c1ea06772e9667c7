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

package pmem

import (
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/vosdb/errors"
)

func testPool(t *testing.T, capacity uint64) (*Pool, Config) {
	t.Helper()
	cfg := Config{
		Path:     filepath.Join(t.TempDir(), "pool"),
		Capacity: capacity,
	}
	p, err := Create(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p, cfg
}

func TestPoolCreateOpen(t *testing.T) {
	ctx := context.Background()
	p, cfg := testPool(t, 1<<20)

	var addr Addr
	err := p.RunTx(ctx, func(tx *Tx) error {
		var err error
		addr, err = tx.Alloc(64)
		if err != nil {
			return err
		}
		copy(p.Direct(addr, 5), "hello")
		p.SetRoot(tx, addr)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, p.Close())

	p2, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer p2.Close()
	require.Equal(t, addr, p2.Root())
	require.Equal(t, []byte("hello"), p2.Direct(p2.Root(), 5))
}

func TestPoolOpenNonexist(t *testing.T) {
	_, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "nope")})
	require.True(t, apierrors.Is(err, apierrors.ErrNonexist))
}

func TestTxAbortRestoresUndo(t *testing.T) {
	ctx := context.Background()
	p, _ := testPool(t, 1<<20)

	var addr Addr
	require.NoError(t, p.RunTx(ctx, func(tx *Tx) error {
		var err error
		addr, err = tx.Alloc(32)
		if err != nil {
			return err
		}
		copy(p.Direct(addr, 3), "old")
		return nil
	}))

	boom := errors.New("boom")
	err := p.RunTx(ctx, func(tx *Tx) error {
		tx.Add(addr, 3)
		copy(p.Direct(addr, 3), "new")
		return boom
	})
	require.Equal(t, boom, err)
	require.Equal(t, []byte("old"), p.Direct(addr, 3))
}

func TestTxPanicAborts(t *testing.T) {
	ctx := context.Background()
	p, _ := testPool(t, 1<<20)

	var addr Addr
	require.NoError(t, p.RunTx(ctx, func(tx *Tx) error {
		var err error
		addr, err = tx.Alloc(16)
		return err
	}))

	require.Panics(t, func() {
		p.RunTx(ctx, func(tx *Tx) error {
			tx.Add(addr, 8)
			copy(p.Direct(addr, 8), "scrawled")
			panic("die")
		})
	})
	require.False(t, p.InTx())
	require.Equal(t, make([]byte, 8), p.Direct(addr, 8))
}

func TestTxNestedJoins(t *testing.T) {
	ctx := context.Background()
	p, _ := testPool(t, 1<<20)

	var outer, inner Addr
	err := p.RunTx(ctx, func(tx *Tx) error {
		var err error
		outer, err = tx.Alloc(16)
		if err != nil {
			return err
		}
		return p.RunTx(ctx, func(tx2 *Tx) error {
			require.Same(t, tx, tx2)
			inner, err = tx2.Alloc(16)
			return err
		})
	})
	require.NoError(t, err)
	require.NotEqual(t, NullAddr, outer)
	require.NotEqual(t, NullAddr, inner)
}

func TestTxNestedErrorAbortsOuter(t *testing.T) {
	ctx := context.Background()
	p, _ := testPool(t, 1<<20)

	var addr Addr
	require.NoError(t, p.RunTx(ctx, func(tx *Tx) error {
		var err error
		addr, err = tx.Alloc(8)
		return err
	}))

	boom := errors.New("inner boom")
	err := p.RunTx(ctx, func(tx *Tx) error {
		tx.Add(addr, 8)
		copy(p.Direct(addr, 8), "ephemera")
		// inner failure poisons the whole transaction even though the
		// outer fn returns nil
		p.RunTx(ctx, func(tx2 *Tx) error { return boom })
		return nil
	})
	require.Equal(t, boom, err)
	require.Equal(t, make([]byte, 8), p.Direct(addr, 8))
}

func TestAllocFreeReuse(t *testing.T) {
	ctx := context.Background()
	p, _ := testPool(t, 1<<20)

	var a, b Addr
	require.NoError(t, p.RunTx(ctx, func(tx *Tx) error {
		var err error
		a, err = tx.Alloc(100)
		return err
	}))
	require.NoError(t, p.RunTx(ctx, func(tx *Tx) error {
		return tx.Free(a)
	}))
	require.NoError(t, p.RunTx(ctx, func(tx *Tx) error {
		var err error
		b, err = tx.Alloc(100)
		return err
	}))
	require.Equal(t, a, b)
}

func TestAllocZeroed(t *testing.T) {
	ctx := context.Background()
	p, _ := testPool(t, 1<<20)

	var a Addr
	require.NoError(t, p.RunTx(ctx, func(tx *Tx) error {
		var err error
		if a, err = tx.Alloc(64); err != nil {
			return err
		}
		for i := range p.Direct(a, 64) {
			p.Direct(a, 64)[i] = 0xff
		}
		return tx.Free(a)
	}))
	require.NoError(t, p.RunTx(ctx, func(tx *Tx) error {
		b, err := tx.Alloc(64)
		if err != nil {
			return err
		}
		require.Equal(t, a, b)
		require.Equal(t, make([]byte, 64), p.Direct(b, 64))
		return nil
	}))
}

func TestFreeTwiceSameTx(t *testing.T) {
	ctx := context.Background()
	p, _ := testPool(t, 1<<20)

	require.NoError(t, p.RunTx(ctx, func(tx *Tx) error {
		a, err := tx.Alloc(48)
		if err != nil {
			return err
		}
		if err = tx.Free(a); err != nil {
			return err
		}
		return tx.Free(a)
	}))
}

func TestAllocNospace(t *testing.T) {
	ctx := context.Background()
	p, _ := testPool(t, headerSize+256)

	err := p.RunTx(ctx, func(tx *Tx) error {
		_, err := tx.Alloc(1 << 16)
		return err
	})
	require.True(t, apierrors.Is(err, apierrors.ErrNospace))
}

func TestAllocZeroSize(t *testing.T) {
	ctx := context.Background()
	p, _ := testPool(t, 1<<20)

	err := p.RunTx(ctx, func(tx *Tx) error {
		_, err := tx.Alloc(0)
		return err
	})
	require.True(t, apierrors.Is(err, apierrors.ErrInval))
}

func TestJournalReplay(t *testing.T) {
	ctx := context.Background()
	p, cfg := testPool(t, 1<<20)

	var addr Addr
	require.NoError(t, p.RunTx(ctx, func(tx *Tx) error {
		var err error
		if addr, err = tx.Alloc(32); err != nil {
			return err
		}
		copy(p.Direct(addr, 7), "durable")
		p.SetRoot(tx, addr)
		return nil
	}))
	journal, err := os.ReadFile(cfg.Path + journalSuffix)
	require.NoError(t, err)
	require.Empty(t, journal) // retired after commit
	require.NoError(t, p.Close())

	// Forge a crash between journal sync and pool apply: write a valid
	// journal carrying the committed image, then scribble the same range
	// in the pool file. Open must replay the journal forward.
	img := []byte("durable")
	buf := make([]byte, 8, 8+16+len(img)+4)
	binary.LittleEndian.PutUint32(buf[0:], journalMagic)
	binary.LittleEndian.PutUint32(buf[4:], 1)
	var hdr [16]byte
	binary.LittleEndian.PutUint64(hdr[0:], uint64(addr))
	binary.LittleEndian.PutUint64(hdr[8:], uint64(len(img)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, img...)
	var sum [4]byte
	binary.LittleEndian.PutUint32(sum[:], crc32.ChecksumIEEE(buf))
	buf = append(buf, sum[:]...)
	require.NoError(t, os.WriteFile(cfg.Path+journalSuffix, buf, 0o644))

	f, err := os.OpenFile(cfg.Path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("garbage"), int64(addr))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	p2, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer p2.Close()
	require.Equal(t, []byte("durable"), p2.Direct(addr, 7))

	st, err := os.Stat(cfg.Path + journalSuffix)
	require.NoError(t, err)
	require.Zero(t, st.Size())
}

func TestJournalTornDiscarded(t *testing.T) {
	ctx := context.Background()
	p, cfg := testPool(t, 1<<20)

	var addr Addr
	require.NoError(t, p.RunTx(ctx, func(tx *Tx) error {
		var err error
		if addr, err = tx.Alloc(16); err != nil {
			return err
		}
		copy(p.Direct(addr, 4), "base")
		return nil
	}))
	require.NoError(t, p.Close())

	// A torn journal (bad crc) must be discarded on open.
	require.NoError(t, os.WriteFile(cfg.Path+journalSuffix, []byte("torn journal bytes"), 0o644))
	p2, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer p2.Close()
	require.Equal(t, []byte("base"), p2.Direct(addr, 4))

	st, err := os.Stat(cfg.Path + journalSuffix)
	require.NoError(t, err)
	require.Zero(t, st.Size())
}

func TestCloseInTxBusy(t *testing.T) {
	ctx := context.Background()
	p, _ := testPool(t, 1<<20)

	require.NoError(t, p.RunTx(ctx, func(tx *Tx) error {
		require.True(t, apierrors.Is(p.Close(), apierrors.ErrBusy))
		return nil
	}))
}
