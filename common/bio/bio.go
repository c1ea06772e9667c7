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

// Package bio bridges PM-resident metadata and block-resident bulk
// payloads. Records live either on SCM (a direct address into the PM
// arena) or on the blob device (DMA-staged through pooled buffers); a
// third kind marks holes that never touch any medium.
package bio

import (
	"context"
	"encoding/binary"
	"os"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"
	"github.com/google/uuid"

	"github.com/cubefs/vosdb/common/pmem"
	apierrors "github.com/cubefs/vosdb/errors"
	"github.com/cubefs/vosdb/proto"
	"github.com/cubefs/vosdb/util/limiter"
)

// AddrKind tags the medium of a record address.
type AddrKind uint8

const (
	AddrHole AddrKind = iota
	AddrScm
	AddrNvme
)

// Addr is a tagged record address: an SCM offset inside the PM arena, a
// byte offset inside the blob, or a hole.
type Addr struct {
	Kind AddrKind
	Off  uint64
}

func HoleAddr() Addr {
	return Addr{Kind: AddrHole}
}

func ScmAddr(off pmem.Addr) Addr {
	return Addr{Kind: AddrScm, Off: uint64(off)}
}

func NvmeAddr(off uint64) Addr {
	return Addr{Kind: AddrNvme, Off: off}
}

func scmOf(a Addr) pmem.Addr {
	return pmem.Addr(a.Off)
}

// Sgl is the caller-side scatter-gather list.
type Sgl struct {
	Iovs [][]byte
}

func (s *Sgl) TotalSize() (n uint64) {
	for _, iov := range s.Iovs {
		n += uint64(len(iov))
	}
	return
}

// Mem resolves SCM addresses to live memory; the PM pool implements it.
type Mem interface {
	Direct(addr pmem.Addr, size uint64) []byte
}

const (
	blobMagic   = uint32(0x766f7342) // "vosB"
	blobVersion = uint32(1)

	defaultBlockSize    = 4096
	defaultHeaderBlocks = 1
	defaultWriteBackers = 4

	ClassNvme   = "nvme"
	ClassKdev   = "kdev"
	ClassFile   = "file"
	ClassMalloc = "malloc"
)

// Header occupies the first reserved blocks of the blob and bootstraps
// recovery.
type Header struct {
	BlockSize    uint32
	HeaderBlocks uint32
	XstreamID    proto.XstreamID
	BlobID       uint64
	BlobstoreID  uuid.UUID
	PoolID       uuid.UUID
}

func (h *Header) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], blobMagic)
	binary.LittleEndian.PutUint32(b[4:], blobVersion)
	binary.LittleEndian.PutUint32(b[8:], h.BlockSize)
	binary.LittleEndian.PutUint32(b[12:], h.HeaderBlocks)
	binary.LittleEndian.PutUint32(b[16:], h.XstreamID)
	binary.LittleEndian.PutUint64(b[24:], h.BlobID)
	copy(b[32:48], h.BlobstoreID[:])
	copy(b[48:64], h.PoolID[:])
}

func (h *Header) decode(b []byte) error {
	if binary.LittleEndian.Uint32(b[0:]) != blobMagic {
		return apierrors.ErrUninit
	}
	if binary.LittleEndian.Uint32(b[4:]) != blobVersion {
		return apierrors.ErrProto
	}
	h.BlockSize = binary.LittleEndian.Uint32(b[8:])
	h.HeaderBlocks = binary.LittleEndian.Uint32(b[12:])
	h.XstreamID = binary.LittleEndian.Uint32(b[16:])
	h.BlobID = binary.LittleEndian.Uint64(b[24:])
	copy(h.BlobstoreID[:], b[32:48])
	copy(h.PoolID[:], b[48:64])
	return nil
}

type Config struct {
	BdevClass string   `json:"bdev_class"`
	BdevList  []string `json:"bdev_list"`
	Path      string   `json:"path"`
	Capacity  uint64   `json:"capacity"`

	BlockSize        uint32              `json:"block_size"`
	WriteBackWorkers int                 `json:"write_back_workers"`
	Limit            limiter.LimitConfig `json:"limit"`
}

func (cfg *Config) fix() {
	if cfg.BdevClass == "" {
		cfg.BdevClass = ClassFile
	}
	if cfg.Path == "" && len(cfg.BdevList) > 0 {
		cfg.Path = cfg.BdevList[0]
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = defaultBlockSize
	}
	if cfg.WriteBackWorkers <= 0 {
		cfg.WriteBackWorkers = defaultWriteBackers
	}
}

// IoContext is the per-xstream handle on the blob device.
type IoContext struct {
	cfg Config
	hdr Header
	mem Mem
	lmt limiter.Limiter
	wb  taskpool.TaskPool

	file *os.File
	mbuf []byte
}

// CreateContext formats the blob and writes the header blocks. The
// caller fills blob/pool identity fields of hdr.
func CreateContext(ctx context.Context, cfg Config, mem Mem, hdr Header) (*IoContext, error) {
	cfg.fix()
	hdr.BlockSize = cfg.BlockSize
	hdr.HeaderBlocks = defaultHeaderBlocks

	c := &IoContext{
		cfg: cfg,
		hdr: hdr,
		mem: mem,
		lmt: limiter.NewLimiter(cfg.Limit),
		wb:  taskpool.New(cfg.WriteBackWorkers, cfg.WriteBackWorkers),
	}
	if err := c.openBackend(true); err != nil {
		return nil, err
	}

	blk := make([]byte, cfg.BlockSize)
	c.hdr.encode(blk)
	if err := c.writeAt(blk, 0); err != nil {
		c.Close()
		return nil, errors.Info(err, "write blob header failed")
	}
	if err := c.sync(); err != nil {
		c.Close()
		return nil, errors.Info(err, "sync blob failed")
	}
	return c, nil
}

// OpenContext opens an existing blob and validates the header.
func OpenContext(ctx context.Context, cfg Config, mem Mem) (*IoContext, error) {
	cfg.fix()
	c := &IoContext{
		cfg: cfg,
		mem: mem,
		lmt: limiter.NewLimiter(cfg.Limit),
		wb:  taskpool.New(cfg.WriteBackWorkers, cfg.WriteBackWorkers),
	}
	if err := c.openBackend(false); err != nil {
		return nil, err
	}
	blk := make([]byte, cfg.BlockSize)
	if err := c.readAt(blk, 0); err != nil {
		c.Close()
		return nil, errors.Info(err, "read blob header failed")
	}
	if err := c.hdr.decode(blk); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *IoContext) openBackend(create bool) error {
	switch c.cfg.BdevClass {
	case ClassMalloc:
		if c.cfg.Capacity == 0 {
			return apierrors.ErrInval
		}
		c.mbuf = make([]byte, c.cfg.Capacity)
		return nil
	case ClassNvme, ClassKdev, ClassFile:
		flag := os.O_RDWR
		if create {
			flag |= os.O_CREATE
		}
		f, err := os.OpenFile(c.cfg.Path, flag, 0o644)
		if err != nil {
			if os.IsNotExist(err) {
				return apierrors.ErrNonexist
			}
			return errors.Info(err, "open blob failed")
		}
		c.file = f
		return nil
	}
	return apierrors.ErrInval
}

func (c *IoContext) Header() Header {
	return c.hdr
}

// DataStart returns the first byte offset past the header blocks.
func (c *IoContext) DataStart() uint64 {
	return uint64(c.hdr.HeaderBlocks) * uint64(c.hdr.BlockSize)
}

// BlockSize returns the blob block size; nvme allocations are aligned
// to it.
func (c *IoContext) BlockSize() uint32 {
	return c.hdr.BlockSize
}

func (c *IoContext) readAt(b []byte, off uint64) error {
	if c.mbuf != nil {
		if off+uint64(len(b)) > uint64(len(c.mbuf)) {
			return apierrors.ErrIOInval
		}
		copy(b, c.mbuf[off:])
		return nil
	}
	if _, err := c.file.ReadAt(b, int64(off)); err != nil {
		return err
	}
	return nil
}

func (c *IoContext) writeAt(b []byte, off uint64) error {
	if c.mbuf != nil {
		if off+uint64(len(b)) > uint64(len(c.mbuf)) {
			return apierrors.ErrIOInval
		}
		copy(c.mbuf[off:], b)
		return nil
	}
	if _, err := c.file.WriteAt(b, int64(off)); err != nil {
		return err
	}
	return nil
}

func (c *IoContext) sync() error {
	if c.file != nil {
		return c.file.Sync()
	}
	return nil
}

// Flush persists completed write-backs to the device.
func (c *IoContext) Flush(ctx context.Context) error {
	if err := c.sync(); err != nil {
		return errors.Info(err, "flush blob failed")
	}
	return nil
}

func (c *IoContext) Close() error {
	c.wb.Close()
	if c.file != nil {
		return c.file.Close()
	}
	return nil
}
