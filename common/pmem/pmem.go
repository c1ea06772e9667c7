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

// Package pmem implements the persistent-memory arena underneath the
// engine: a single pool file with undo-logged transactions and a typed
// allocator. Mutations become durable atomically on commit; a crash mid
// transaction is indistinguishable from an abort after restart.
package pmem

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	apierrors "github.com/cubefs/vosdb/errors"
)

// Addr is an offset into the pool arena. The null address is 0.
type Addr uint64

const NullAddr Addr = 0

const (
	poolMagic   = uint32(0x766f7350) // "vosP"
	poolVersion = uint32(1)

	headerSize = 4096

	offMagic    = 0
	offVersion  = 4
	offCapacity = 8
	offUsed     = 16
	offRoot     = 24
	offFreelist = 32

	// allocation size classes, powers of two
	minClassShift = 5
	maxClassShift = 27
	classCount    = maxClassShift - minClassShift + 1

	blockHdrSize = 8

	journalSuffix = ".journal"
)

// PM placement classes. Both map onto a regular file; dcpm expects the
// mount to sit on a DAX filesystem.
const (
	ClassRAM  = "ram"
	ClassDCPM = "dcpm"
)

type Config struct {
	Class   string `json:"scm_class"`
	Mount   string `json:"scm_mount"`
	SizeGiB uint64 `json:"scm_size"`

	Path     string `json:"path"`
	Capacity uint64 `json:"capacity"`
}

func (cfg *Config) normalize() error {
	switch cfg.Class {
	case "", ClassRAM, ClassDCPM:
	default:
		return apierrors.ErrInval
	}
	if cfg.Path == "" {
		if cfg.Mount == "" {
			return apierrors.ErrInval
		}
		cfg.Path = filepath.Join(cfg.Mount, "vos.pm")
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = cfg.SizeGiB << 30
	}
	return nil
}

// Pool is one PM arena owned by a single xstream. All access, including
// transactions, happens from that owner; the pool carries no locks.
type Pool struct {
	cfg   Config
	file  *os.File
	jfile *os.File
	arena []byte

	tx *Tx
}

// Create initializes a new pool file of the configured capacity.
func Create(ctx context.Context, cfg Config) (*Pool, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if cfg.Capacity <= headerSize {
		return nil, apierrors.ErrInval
	}
	f, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, errors.Info(err, "create pool file failed")
	}
	jf, err := os.OpenFile(cfg.Path+journalSuffix, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		f.Close()
		return nil, errors.Info(err, "create pool journal failed")
	}

	p := &Pool{
		cfg:   cfg,
		file:  f,
		jfile: jf,
		arena: make([]byte, cfg.Capacity),
	}
	binary.LittleEndian.PutUint32(p.arena[offMagic:], poolMagic)
	binary.LittleEndian.PutUint32(p.arena[offVersion:], poolVersion)
	binary.LittleEndian.PutUint64(p.arena[offCapacity:], cfg.Capacity)
	binary.LittleEndian.PutUint64(p.arena[offUsed:], headerSize)

	if err = f.Truncate(int64(cfg.Capacity)); err != nil {
		p.closeFiles()
		return nil, errors.Info(err, "truncate pool file failed")
	}
	if _, err = f.WriteAt(p.arena[:headerSize], 0); err != nil {
		p.closeFiles()
		return nil, errors.Info(err, "write pool header failed")
	}
	if err = f.Sync(); err != nil {
		p.closeFiles()
		return nil, errors.Info(err, "sync pool file failed")
	}
	return p, nil
}

// Open loads an existing pool and replays a complete commit journal left
// behind by a crash. A torn journal is discarded, the interrupted
// transaction aborts.
func Open(ctx context.Context, cfg Config) (*Pool, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(cfg.Path, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierrors.ErrNonexist
		}
		return nil, errors.Info(err, "open pool file failed")
	}
	jf, err := os.OpenFile(cfg.Path+journalSuffix, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		f.Close()
		return nil, errors.Info(err, "open pool journal failed")
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		jf.Close()
		return nil, errors.Info(err, "stat pool file failed")
	}
	p := &Pool{
		cfg:   cfg,
		file:  f,
		jfile: jf,
		arena: make([]byte, st.Size()),
	}
	if _, err = io.ReadFull(io.NewSectionReader(f, 0, st.Size()), p.arena); err != nil {
		p.closeFiles()
		return nil, errors.Info(err, "load pool arena failed")
	}
	if binary.LittleEndian.Uint32(p.arena[offMagic:]) != poolMagic {
		p.closeFiles()
		return nil, apierrors.ErrUninit
	}
	if binary.LittleEndian.Uint32(p.arena[offVersion:]) != poolVersion {
		p.closeFiles()
		return nil, apierrors.ErrProto
	}
	if err = p.replayJournal(); err != nil {
		p.closeFiles()
		return nil, err
	}
	return p, nil
}

func (p *Pool) closeFiles() {
	p.file.Close()
	p.jfile.Close()
}

func (p *Pool) Close() error {
	if p.tx != nil {
		return apierrors.ErrBusy
	}
	p.closeFiles()
	return nil
}

// Direct materializes a live byte slice for an arena range. The slice
// stays valid for the lifetime of the pool.
func (p *Pool) Direct(addr Addr, size uint64) []byte {
	return p.arena[addr : uint64(addr)+size]
}

// Root returns the user root address stored in the pool header.
func (p *Pool) Root() Addr {
	return Addr(binary.LittleEndian.Uint64(p.arena[offRoot:]))
}

// SetRoot persists the user root address under tx.
func (p *Pool) SetRoot(tx *Tx, root Addr) {
	tx.Add(offRoot, 8)
	binary.LittleEndian.PutUint64(p.arena[offRoot:], uint64(root))
}

func (p *Pool) Capacity() uint64 {
	return binary.LittleEndian.Uint64(p.arena[offCapacity:])
}

// Used returns the allocator watermark.
func (p *Pool) Used() uint64 {
	return binary.LittleEndian.Uint64(p.arena[offUsed:])
}
