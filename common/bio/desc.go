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
	"sync"

	"github.com/cubefs/cubefs/blobstore/util/bytespool"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/vosdb/common/fault"
	apierrors "github.com/cubefs/vosdb/errors"
)

// OpType selects the direction of a prepared descriptor.
type OpType uint8

const (
	OpUpdate OpType = iota + 1
	OpFetch
)

// AddrSize is one region of a record payload to stage.
type AddrSize struct {
	Addr Addr
	Size uint64
}

// IoVec is one staged region. Scm regions alias pool memory directly;
// nvme regions and fetch-side holes borrow a pooled buffer that Post
// returns.
type IoVec struct {
	Addr Addr
	Size uint64
	Data []byte

	dma bool
}

// Desc is a prepared I/O descriptor. The lifecycle is strict: Prep
// stages every region, the caller moves bytes through Iovs, and Post
// completes the descriptor exactly once.
type Desc struct {
	ioc  *IoContext
	op   OpType
	Iovs []IoVec

	posted bool
}

// Prep stages the listed regions for op. Fetching a hole yields a
// zero-filled buffer without touching any device; updating a hole is
// invalid. On error every borrowed buffer is returned.
func (c *IoContext) Prep(ctx context.Context, op OpType, list []AddrSize) (*Desc, error) {
	if op != OpUpdate && op != OpFetch {
		return nil, apierrors.ErrInval
	}
	d := &Desc{ioc: c, op: op, Iovs: make([]IoVec, 0, len(list))}
	for _, as := range list {
		iov := IoVec{Addr: as.Addr, Size: as.Size}
		switch as.Addr.Kind {
		case AddrHole:
			if op == OpUpdate {
				d.release()
				return nil, apierrors.ErrIOInval
			}
			iov.Data = bytespool.Alloc(int(as.Size))
			iov.dma = true
			zero(iov.Data)
		case AddrScm:
			iov.Data = c.mem.Direct(scmOf(as.Addr), as.Size)
		case AddrNvme:
			iov.Data = bytespool.Alloc(int(as.Size))
			iov.dma = true
			if op == OpFetch {
				if err := c.fetchNvme(ctx, iov.Data, as.Addr.Off); err != nil {
					bytespool.Free(iov.Data)
					d.release()
					return nil, err
				}
			}
		default:
			d.release()
			return nil, apierrors.ErrInval
		}
		d.Iovs = append(d.Iovs, iov)
	}
	return d, nil
}

func (c *IoContext) fetchNvme(ctx context.Context, b []byte, off uint64) error {
	if err := c.lmt.AcquireRead(); err != nil {
		return err
	}
	defer c.lmt.ReleaseRead()
	if err := c.lmt.WaitRead(ctx, len(b)); err != nil {
		return apierrors.ErrCanceled
	}
	if err := c.readAt(b, off); err != nil {
		return errors.Info(err, "read blob failed")
	}
	return nil
}

// Sgl exposes the staged regions as a scatter-gather list in list
// order.
func (d *Desc) Sgl() Sgl {
	iovs := make([][]byte, 0, len(d.Iovs))
	for i := range d.Iovs {
		iovs = append(iovs, d.Iovs[i].Data)
	}
	return Sgl{Iovs: iovs}
}

// Post completes the descriptor. Updates write every nvme region back
// to the blob through the write-back pool; fetches only release the
// borrowed buffers. A second Post is invalid.
func (d *Desc) Post(ctx context.Context) error {
	if d.posted {
		return apierrors.ErrIOInval
	}
	d.posted = true

	if d.op == OpFetch {
		d.release()
		return nil
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		werr error
	)
	setErr := func(err error) {
		mu.Lock()
		if werr == nil {
			werr = err
		}
		mu.Unlock()
	}
	for i := range d.Iovs {
		iov := &d.Iovs[i]
		if iov.Addr.Kind != AddrNvme {
			continue
		}
		if err := fault.Fire(fault.SiteNvmeSubmit); err != nil {
			setErr(err)
			continue
		}
		if err := d.ioc.lmt.AcquireWrite(); err != nil {
			setErr(err)
			continue
		}
		if err := d.ioc.lmt.WaitWrite(ctx, len(iov.Data)); err != nil {
			d.ioc.lmt.ReleaseWrite()
			setErr(apierrors.ErrCanceled)
			continue
		}
		wg.Add(1)
		data, off := iov.Data, iov.Addr.Off
		d.ioc.wb.Run(func() {
			defer wg.Done()
			defer d.ioc.lmt.ReleaseWrite()
			if err := d.ioc.writeAt(data, off); err != nil {
				setErr(errors.Info(err, "write blob failed"))
			}
		})
	}
	wg.Wait()
	d.release()
	return werr
}

func (d *Desc) release() {
	for i := range d.Iovs {
		if d.Iovs[i].dma {
			bytespool.Free(d.Iovs[i].Data)
			d.Iovs[i].Data = nil
			d.Iovs[i].dma = false
		}
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
