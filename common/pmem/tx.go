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
	"hash/crc32"
	"io"
	"sort"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	apierrors "github.com/cubefs/vosdb/errors"
)

const journalMagic = uint32(0x766f734a) // "vosJ"

type undoLog struct {
	off  uint64
	data []byte
}

type span struct {
	off  uint64
	size uint64
}

// Tx is the active transaction of a pool. Callers register every byte
// range they are about to modify with Add before touching it; freshly
// allocated blocks are covered by Alloc itself.
type Tx struct {
	pool  *Pool
	undo  []undoLog
	dirty []span
	freed map[Addr]struct{}
	depth int
	err   error
}

// RunTx runs fn inside a transaction. Exactly one commit or abort happens
// on every exit path, panics included. A nested call joins the active
// transaction; an error from the inner fn marks the whole transaction
// aborted.
func (p *Pool) RunTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	if err = ctx.Err(); err != nil {
		return apierrors.ErrCanceled
	}
	if p.tx != nil {
		tx := p.tx
		tx.depth++
		defer func() {
			tx.depth--
			if err != nil && tx.err == nil {
				tx.err = err
			}
		}()
		return fn(tx)
	}

	tx := &Tx{pool: p, freed: make(map[Addr]struct{})}
	p.tx = tx
	defer func() {
		p.tx = nil
		if r := recover(); r != nil {
			tx.abort()
			panic(r)
		}
		if err == nil && tx.err != nil {
			err = tx.err
		}
		if err == nil && ctx.Err() != nil {
			err = apierrors.ErrCanceled
		}
		if err != nil {
			tx.abort()
			return
		}
		if cerr := tx.commit(); cerr != nil {
			tx.abort()
			err = cerr
		}
	}()
	err = fn(tx)
	return
}

// InTx reports whether a transaction is active on the pool.
func (p *Pool) InTx() bool {
	return p.tx != nil
}

// Add snapshots an arena range for undo and schedules it for commit.
func (tx *Tx) Add(addr Addr, size uint64) {
	img := make([]byte, size)
	copy(img, tx.pool.arena[addr:uint64(addr)+size])
	tx.undo = append(tx.undo, undoLog{off: uint64(addr), data: img})
	tx.dirty = append(tx.dirty, span{off: uint64(addr), size: size})
}

// markDirty schedules a range for commit without snapshotting it. Only
// valid for ranges whose pre-image can never become visible again, such
// as freshly allocated blocks.
func (tx *Tx) markDirty(addr Addr, size uint64) {
	tx.dirty = append(tx.dirty, span{off: uint64(addr), size: size})
}

func (tx *Tx) abort() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		u := tx.undo[i]
		copy(tx.pool.arena[u.off:], u.data)
	}
	tx.undo = nil
	tx.dirty = nil
}

func mergeSpans(spans []span) []span {
	if len(spans) == 0 {
		return nil
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].off < spans[j].off })
	out := spans[:1]
	for _, s := range spans[1:] {
		last := &out[len(out)-1]
		if s.off <= last.off+last.size {
			if end := s.off + s.size; end > last.off+last.size {
				last.size = end - last.off
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

// commit journals the merged dirty ranges, syncs, applies them to the
// pool file and retires the journal. Replayable from any crash point.
func (tx *Tx) commit() error {
	merged := mergeSpans(tx.dirty)
	if len(merged) == 0 {
		return nil
	}
	p := tx.pool

	var size int
	for _, s := range merged {
		size += 16 + int(s.size)
	}
	buf := make([]byte, 8, 8+size+4)
	binary.LittleEndian.PutUint32(buf[0:], journalMagic)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(merged)))
	for _, s := range merged {
		var hdr [16]byte
		binary.LittleEndian.PutUint64(hdr[0:], s.off)
		binary.LittleEndian.PutUint64(hdr[8:], s.size)
		buf = append(buf, hdr[:]...)
		buf = append(buf, p.arena[s.off:s.off+s.size]...)
	}
	var sum [4]byte
	binary.LittleEndian.PutUint32(sum[:], crc32.ChecksumIEEE(buf))
	buf = append(buf, sum[:]...)

	if err := p.jfile.Truncate(0); err != nil {
		return errors.Info(err, "truncate journal failed")
	}
	if _, err := p.jfile.WriteAt(buf, 0); err != nil {
		return errors.Info(err, "write journal failed")
	}
	if err := p.jfile.Sync(); err != nil {
		return errors.Info(err, "sync journal failed")
	}

	for _, s := range merged {
		if _, err := p.file.WriteAt(p.arena[s.off:s.off+s.size], int64(s.off)); err != nil {
			return errors.Info(err, "apply commit failed")
		}
	}
	if err := p.file.Sync(); err != nil {
		return errors.Info(err, "sync pool file failed")
	}

	if err := p.jfile.Truncate(0); err != nil {
		return errors.Info(err, "retire journal failed")
	}
	if err := p.jfile.Sync(); err != nil {
		return errors.Info(err, "sync journal failed")
	}
	tx.undo = nil
	tx.dirty = nil
	return nil
}

// replayJournal applies a complete journal to both arena and file. An
// incomplete or corrupt journal is discarded.
func (p *Pool) replayJournal() error {
	st, err := p.jfile.Stat()
	if err != nil {
		return errors.Info(err, "stat journal failed")
	}
	if st.Size() == 0 {
		return nil
	}
	buf := make([]byte, st.Size())
	if _, err = io.ReadFull(io.NewSectionReader(p.jfile, 0, st.Size()), buf); err != nil {
		return errors.Info(err, "read journal failed")
	}

	valid := func() bool {
		if len(buf) < 12 {
			return false
		}
		if binary.LittleEndian.Uint32(buf[0:]) != journalMagic {
			return false
		}
		body := buf[:len(buf)-4]
		sum := binary.LittleEndian.Uint32(buf[len(buf)-4:])
		return crc32.ChecksumIEEE(body) == sum
	}()
	if valid {
		count := binary.LittleEndian.Uint32(buf[4:])
		off := 8
		for i := uint32(0); i < count; i++ {
			at := binary.LittleEndian.Uint64(buf[off:])
			size := binary.LittleEndian.Uint64(buf[off+8:])
			off += 16
			copy(p.arena[at:], buf[off:off+int(size)])
			if _, err = p.file.WriteAt(buf[off:off+int(size)], int64(at)); err != nil {
				return errors.Info(err, "replay journal failed")
			}
			off += int(size)
		}
		if err = p.file.Sync(); err != nil {
			return errors.Info(err, "sync pool file failed")
		}
	}
	if err = p.jfile.Truncate(0); err != nil {
		return errors.Info(err, "retire journal failed")
	}
	return p.jfile.Sync()
}
