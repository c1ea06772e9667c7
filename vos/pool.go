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

// Package vos is the versioned object store engine: a single-node
// multiversion KV store over pool, container, object, dkey, akey and
// value levels. Metadata lives in the PM arena under undo-logged
// transactions; bulk array payloads past the inline threshold live on
// the blob device. Every write carries an epoch, reads resolve at an
// epoch, and punches are tombstones rather than deletions.
package vos

import (
	"context"
	"encoding/binary"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/google/uuid"

	"github.com/cubefs/vosdb/common/bio"
	"github.com/cubefs/vosdb/common/pmem"
	apierrors "github.com/cubefs/vosdb/errors"
	"github.com/cubefs/vosdb/proto"
	"github.com/cubefs/vosdb/vos/kbtr"
)

const (
	defaultObjCacheSize    = 1024
	defaultInlineThreshold = 4096
)

type PoolConfig struct {
	UUID      string      `json:"uuid"`
	XstreamID uint32      `json:"xstream_id"`
	Pmem      pmem.Config `json:"pmem"`
	Bio       bio.Config  `json:"bio"`

	ObjCacheSize    int    `json:"obj_cache_size"`
	InlineThreshold uint64 `json:"inline_threshold"`
}

func (cfg *PoolConfig) fix() {
	if cfg.ObjCacheSize <= 0 {
		cfg.ObjCacheSize = defaultObjCacheSize
	}
	if cfg.InlineThreshold == 0 {
		cfg.InlineThreshold = defaultInlineThreshold
	}
}

// Pool is one open VOS pool: a PM arena plus its blob device, owned by
// a single xstream.
type Pool struct {
	cfg  PoolConfig
	id   uuid.UUID
	pm   *pmem.Pool
	ioc  *bio.IoContext
	root pmem.Addr

	conts *kbtr.Tree
	res   kbtr.Resolver
}

// CreatePool formats the PM arena and the blob and installs the pool
// root record.
func CreatePool(ctx context.Context, cfg PoolConfig) (*Pool, error) {
	span := trace.SpanFromContextSafe(ctx)
	cfg.fix()
	id, err := uuid.Parse(cfg.UUID)
	if err != nil {
		return nil, apierrors.ErrInval
	}

	pm, err := pmem.Create(ctx, cfg.Pmem)
	if err != nil {
		return nil, err
	}
	p := &Pool{cfg: cfg, id: id, pm: pm}

	blobID := uint64(id.ID())
	err = pm.RunTx(ctx, func(tx *pmem.Tx) error {
		root, err := tx.Alloc(poolDfSize)
		if err != nil {
			return err
		}
		contRoot, err := kbtr.CreateRoot(tx)
		if err != nil {
			return err
		}
		writePoolDf(pm, root, poolDf{ContRoot: contRoot, BlobID: blobID, UUID: id})
		pm.SetRoot(tx, root)
		p.root = root
		return nil
	})
	if err != nil {
		pm.Close()
		return nil, errors.Info(err, "init pool root failed")
	}

	ioc, err := bio.CreateContext(ctx, cfg.Bio, pm, bio.Header{
		XstreamID: cfg.XstreamID,
		BlobID:    blobID,
		PoolID:    id,
	})
	if err != nil {
		pm.Close()
		return nil, err
	}
	p.ioc = ioc
	p.conts = kbtr.Open(pm, readPoolDf(pm, p.root).ContRoot, kbtr.ClassOpaque, nil)
	span.Infof("pool %s created pm=%s blob=%s", id, cfg.Pmem.Path, cfg.Bio.Path)
	return p, nil
}

// OpenPool loads an existing pool, replaying any interrupted commit.
func OpenPool(ctx context.Context, cfg PoolConfig) (*Pool, error) {
	span := trace.SpanFromContextSafe(ctx)
	cfg.fix()
	id, err := uuid.Parse(cfg.UUID)
	if err != nil {
		return nil, apierrors.ErrInval
	}

	pm, err := pmem.Open(ctx, cfg.Pmem)
	if err != nil {
		return nil, err
	}
	root := pm.Root()
	if root == pmem.NullAddr || !rootValid(pm, root) {
		pm.Close()
		return nil, apierrors.ErrUninit
	}
	df := readPoolDf(pm, root)
	if df.UUID != id {
		pm.Close()
		return nil, apierrors.ErrProto
	}

	ioc, err := bio.OpenContext(ctx, cfg.Bio, pm)
	if err != nil {
		pm.Close()
		return nil, err
	}
	if hdr := ioc.Header(); hdr.PoolID != id || hdr.BlobID != df.BlobID {
		ioc.Close()
		pm.Close()
		return nil, apierrors.ErrProto
	}

	p := &Pool{cfg: cfg, id: id, pm: pm, ioc: ioc, root: root}
	p.conts = kbtr.Open(pm, df.ContRoot, kbtr.ClassOpaque, nil)
	span.Infof("pool %s opened", id)
	return p, nil
}

// SetResolver installs the arbiter for prepared marks. Must be set
// before any container is opened.
func (p *Pool) SetResolver(res kbtr.Resolver) {
	p.res = res
}

func (p *Pool) UUID() uuid.UUID {
	return p.id
}

func (p *Pool) Close() error {
	if err := p.ioc.Flush(context.Background()); err != nil {
		return err
	}
	if err := p.ioc.Close(); err != nil {
		return err
	}
	return p.pm.Close()
}

func (p *Pool) nvmeUsed() uint64 {
	return readPoolDf(p.pm, p.root).NvmeUsed
}

// allocNvme reserves a block-aligned run of the blob under tx. The
// watermark lives in the pool root, so an abort returns the space.
func (p *Pool) allocNvme(tx *pmem.Tx, size uint64) (uint64, error) {
	bs := uint64(p.ioc.BlockSize())
	aligned := (size + bs - 1) / bs * bs
	used := p.nvmeUsed()
	off := p.ioc.DataStart() + used
	if cap := p.cfg.Bio.Capacity; cap > 0 && off+aligned > cap {
		return 0, apierrors.ErrNospace
	}
	tx.Add(p.root+pdOffNvmeUsed, 8)
	binary.LittleEndian.PutUint64(p.pm.Direct(p.root+pdOffNvmeUsed, 8), used+aligned)
	return off, nil
}

// allocValue places a payload: small values take a PM block inside the
// transaction, larger ones a blob run.
func (p *Pool) allocValue(tx *pmem.Tx, size uint64) (bio.Addr, error) {
	if size <= p.cfg.InlineThreshold {
		addr, err := tx.Alloc(size)
		if err != nil {
			return bio.Addr{}, err
		}
		return bio.ScmAddr(addr), nil
	}
	off, err := p.allocNvme(tx, size)
	if err != nil {
		return bio.Addr{}, err
	}
	return bio.NvmeAddr(off), nil
}

// freeValue releases a payload. Blob runs are watermark-allocated and
// reclaimed only when the pool is recreated.
func (p *Pool) freeValue(tx *pmem.Tx, addr bio.Addr) error {
	if addr.Kind == bio.AddrScm {
		return tx.Free(pmem.Addr(addr.Off))
	}
	return nil
}

// keyClasses maps the feature bits of an object id onto tree key
// classes for its dkeys and akeys.
func keyClasses(oid proto.ObjectID) (dk, ak kbtr.KeyClass, err error) {
	if !oid.Valid() {
		return 0, 0, apierrors.ErrInval
	}
	feat := oid.Features()
	dk, ak = kbtr.ClassOpaque, kbtr.ClassOpaque
	if feat&proto.ObjFeatDkeyUint64 != 0 {
		dk = kbtr.ClassUint64
	} else if feat&proto.ObjFeatDkeyLexical != 0 {
		dk = kbtr.ClassLexical
	}
	if feat&proto.ObjFeatAkeyUint64 != 0 {
		ak = kbtr.ClassUint64
	} else if feat&proto.ObjFeatAkeyLexical != 0 {
		ak = kbtr.ClassLexical
	}
	return dk, ak, nil
}
