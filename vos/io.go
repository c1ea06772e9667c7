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
	"context"
	"hash/crc32"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/vosdb/common/bio"
	"github.com/cubefs/vosdb/common/fault"
	"github.com/cubefs/vosdb/common/pmem"
	apierrors "github.com/cubefs/vosdb/errors"
	"github.com/cubefs/vosdb/metrics"
	"github.com/cubefs/vosdb/proto"
	"github.com/cubefs/vosdb/vos/evt"
	"github.com/cubefs/vosdb/vos/kbtr"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// IodResult reports what one fetch descriptor resolved to. Size is the
// single-value length, zero when nothing is visible. Segs is the
// resolved segment layout of an array fetch in index order.
type IodResult struct {
	Size    uint64
	RecSize uint64
	Segs    []evt.Segment
}

func checkIods(iods []proto.Iod, update bool) error {
	if len(iods) == 0 {
		return apierrors.ErrInval
	}
	for i := range iods {
		iod := &iods[i]
		if len(iod.Akey) == 0 || len(iod.Akey) > proto.MaxKeyLen {
			return apierrors.ErrInval
		}
		switch iod.Type {
		case proto.IodSingle:
			if len(iod.Recxs) != 0 {
				return apierrors.ErrInval
			}
		case proto.IodArray:
			if update && iod.RecSize != 0 && len(iod.Recxs) == 0 {
				return apierrors.ErrInval
			}
			for _, rx := range iod.Recxs {
				if rx.Hi < rx.Lo {
					return apierrors.ErrInval
				}
			}
		default:
			return apierrors.ErrInval
		}
	}
	return nil
}

// prepareDkey ensures the dkey mark and its key record, returning the
// akey subtree.
func (o *Object) prepareDkey(ctx context.Context, tx *pmem.Tx, dkey []byte, epoch proto.Epoch, flags uint8) (*kbtr.Tree, error) {
	dkTree, err := o.dkeyTree()
	if err != nil {
		return nil, err
	}
	mark, _, err := dkTree.Upsert(ctx, tx, dkey, epoch, flags)
	if err != nil {
		return nil, err
	}
	rec := mark.Payload
	if rec == pmem.NullAddr {
		if rec, err = tx.Alloc(keyDfSize); err != nil {
			return nil, err
		}
		akRoot, err := kbtr.CreateRoot(tx)
		if err != nil {
			return nil, err
		}
		writeKeyDf(o.cont.pool.pm, rec, keyDf{SubBtr: akRoot, Kind: bfBtr})
		dkTree.SetPayload(tx, mark.Node, rec)
	}
	df := readKeyDf(o.cont.pool.pm, rec)
	return o.btr(df.SubBtr, o.akClass), nil
}

// prepareAkey ensures the akey mark and the attachment the descriptor
// type asks for. A key record keeps exactly one attachment kind for its
// whole life; asking for the other kind is ErrInval.
func (o *Object) prepareAkey(ctx context.Context, tx *pmem.Tx, akTree *kbtr.Tree, akey []byte, epoch proto.Epoch, typ proto.IodType) (pmem.Addr, error) {
	mark, _, err := akTree.Upsert(ctx, tx, akey, epoch, 0)
	if err != nil {
		return pmem.NullAddr, err
	}
	want := bfBtr
	if typ == proto.IodArray {
		want = bfEvt
	}
	rec := mark.Payload
	if rec == pmem.NullAddr {
		if rec, err = tx.Alloc(keyDfSize); err != nil {
			return pmem.NullAddr, err
		}
		var root pmem.Addr
		if typ == proto.IodArray {
			if root, err = evt.CreateRoot(tx); err != nil {
				return pmem.NullAddr, err
			}
			writeKeyDf(o.cont.pool.pm, rec, keyDf{SubEvt: root, Kind: bfEvt})
		} else {
			if root, err = kbtr.CreateRoot(tx); err != nil {
				return pmem.NullAddr, err
			}
			writeKeyDf(o.cont.pool.pm, rec, keyDf{SubBtr: root, Kind: bfBtr})
		}
		akTree.SetPayload(tx, mark.Node, rec)
		return rec, nil
	}
	if df := readKeyDf(o.cont.pool.pm, rec); df.Kind != want {
		return pmem.NullAddr, apierrors.ErrInval
	}
	return rec, nil
}

// csumSink binds one staged region to the record its checksum lands in.
type csumSink struct {
	iov  int
	sink func(csum uint32)
}

// Update writes one dkey's descriptors at epoch, copying payloads from
// sgls. sgls pairs with iods one to one.
func (c *Container) Update(ctx context.Context, oid proto.ObjectID, epoch proto.Epoch, dkey []byte, iods []proto.Iod, sgls []bio.Sgl) error {
	if len(sgls) != len(iods) {
		return apierrors.ErrInval
	}
	return c.UpdateWith(ctx, oid, epoch, dkey, iods, func(staged []bio.Sgl) error {
		for i := range staged {
			if err := copySgl(staged[i], sgls[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateWith is the zero-copy update path: the same pipeline with fill
// writing straight into the staged buffers, one sgl per descriptor.
func (c *Container) UpdateWith(ctx context.Context, oid proto.ObjectID, epoch proto.Epoch, dkey []byte, iods []proto.Iod, fill func(staged []bio.Sgl) error) (err error) {
	span := trace.SpanFromContextSafe(ctx)
	start := time.Now()
	defer func() {
		metrics.ReportOp("update", err, time.Since(start))
	}()
	if len(dkey) == 0 || len(dkey) > proto.MaxKeyLen {
		return apierrors.ErrInval
	}
	if err = checkIods(iods, true); err != nil {
		return err
	}

	err = c.pool.pm.RunTx(ctx, func(tx *pmem.Tx) error {
		o, err := c.HoldObject(ctx, oid, epoch, true, proto.IntentUpdate)
		if err != nil {
			return err
		}
		defer o.Release()

		akTree, err := o.prepareDkey(ctx, tx, dkey, epoch, 0)
		if err != nil {
			return err
		}

		var (
			list   []bio.AddrSize
			bounds []int
			sinks  []csumSink
		)
		for i := range iods {
			iod := &iods[i]
			if iod.RecSize == 0 {
				// a zero-sized descriptor is the akey punch
				if _, _, err = akTree.Upsert(ctx, tx, iod.Akey, epoch, kbtr.FlagPunched); err != nil {
					return err
				}
				bounds = append(bounds, len(list))
				continue
			}
			rec, err := o.prepareAkey(ctx, tx, akTree, iod.Akey, epoch, iod.Type)
			if err != nil {
				return err
			}
			df := readKeyDf(c.pool.pm, rec)

			if iod.Type == proto.IodSingle {
				sv := o.btr(df.SubBtr, kbtr.ClassUint64)
				mark, created, err := sv.Upsert(ctx, tx, epochKey(epoch), epoch, 0)
				if err != nil {
					return err
				}
				if !created && mark.Payload != pmem.NullAddr {
					return apierrors.ErrExist
				}
				addr, err := c.pool.allocValue(tx, iod.RecSize)
				if err != nil {
					return err
				}
				svRec, err := tx.Alloc(svDfSize)
				if err != nil {
					return err
				}
				writeSvDf(c.pool.pm, svRec, svDf{Size: iod.RecSize, Addr: addr})
				sv.SetPayload(tx, mark.Node, svRec)
				sinks = append(sinks, csumSink{iov: len(list), sink: func(csum uint32) {
					tx.Add(svRec+svOffCsum, 4)
					b := c.pool.pm.Direct(svRec+svOffCsum, 4)
					b[0], b[1], b[2], b[3] = byte(csum), byte(csum>>8), byte(csum>>16), byte(csum>>24)
				}})
				list = append(list, bio.AddrSize{Addr: addr, Size: iod.RecSize})
				bounds = append(bounds, len(list))
				continue
			}

			et := o.evtree(df.SubEvt)
			for _, rx := range iod.Recxs {
				size := rx.Count() * iod.RecSize
				addr, err := c.pool.allocValue(tx, size)
				if err != nil {
					return err
				}
				entry := evt.Entry{Epoch: epoch, Recx: rx, Addr: addr, RecSize: iod.RecSize}
				node, err := et.InsertEntry(ctx, tx, entry)
				if err != nil {
					return err
				}
				sinks = append(sinks, csumSink{iov: len(list), sink: func(csum uint32) {
					et.SetCsum(tx, node, csum)
				}})
				list = append(list, bio.AddrSize{Addr: addr, Size: size})
			}
			bounds = append(bounds, len(list))
		}

		desc, err := c.pool.ioc.Prep(ctx, bio.OpUpdate, list)
		if err != nil {
			return err
		}
		full := desc.Sgl()
		staged := make([]bio.Sgl, len(iods))
		prev := 0
		for i, hi := range bounds {
			staged[i] = bio.Sgl{Iovs: full.Iovs[prev:hi]}
			prev = hi
		}
		if fill != nil {
			if err = fill(staged); err != nil {
				desc.Post(ctx)
				return err
			}
		}
		for _, s := range sinks {
			s.sink(crc32.Checksum(full.Iovs[s.iov], castagnoli))
		}
		reportIoBytes("update", list)
		if err = desc.Post(ctx); err != nil {
			return err
		}
		c.touchEpochs(tx, o.rec, epoch)
		return nil
	})
	if err != nil {
		c.cache.evict(oid)
		metrics.TxAborts.Inc()
		span.Warnf("update %v at %d failed: %v", oid, epoch, err)
		return err
	}
	metrics.TxCommits.Inc()
	return nil
}

// Fetch reads one dkey's descriptors at epoch into sgls. Holes read as
// zero bytes; tombstoned levels read as empty results, not errors.
func (c *Container) Fetch(ctx context.Context, oid proto.ObjectID, epoch proto.Epoch, dkey []byte, iods []proto.Iod, sgls []bio.Sgl) (res []IodResult, err error) {
	start := time.Now()
	defer func() {
		metrics.ReportOp("fetch", err, time.Since(start))
	}()
	if len(sgls) != len(iods) {
		return nil, apierrors.ErrInval
	}
	if len(dkey) == 0 || len(dkey) > proto.MaxKeyLen {
		return nil, apierrors.ErrInval
	}
	if err = checkIods(iods, false); err != nil {
		return nil, err
	}

	o, err := c.HoldObject(ctx, oid, epoch, false, proto.IntentDefault)
	if err != nil {
		return nil, err
	}
	defer o.Release()

	res = make([]IodResult, len(iods))
	if o.punched {
		for i := range iods {
			if err = c.fetchEmpty(ctx, &iods[i], sgls[i], &res[i]); err != nil {
				return nil, err
			}
		}
		return res, nil
	}

	dkTree, err := o.dkeyTree()
	if err != nil {
		return nil, err
	}
	dres, ok, err := resolveKey(ctx, dkTree, dkey, epoch, o.punchEpoch, proto.IntentDefault)
	if err != nil {
		return nil, err
	}
	var akTree *kbtr.Tree
	if ok && dres.mark.Payload != pmem.NullAddr {
		akTree = o.btr(readKeyDf(c.pool.pm, dres.mark.Payload).SubBtr, o.akClass)
	}

	for i := range iods {
		iod := &iods[i]
		if akTree == nil {
			if err = c.fetchEmpty(ctx, iod, sgls[i], &res[i]); err != nil {
				return nil, err
			}
			continue
		}
		ares, aok, err := resolveKey(ctx, akTree, iod.Akey, epoch, dres.floor, proto.IntentDefault)
		if err != nil {
			return nil, err
		}
		if !aok || ares.mark.Payload == pmem.NullAddr {
			if err = c.fetchEmpty(ctx, iod, sgls[i], &res[i]); err != nil {
				return nil, err
			}
			continue
		}
		df := readKeyDf(c.pool.pm, ares.mark.Payload)
		if iod.Type == proto.IodSingle {
			if df.Kind&bfBtr == 0 {
				return nil, apierrors.ErrInval
			}
			err = c.fetchSingle(ctx, o, df.SubBtr, epoch, ares.floor, sgls[i], &res[i])
		} else {
			if df.Kind&bfEvt == 0 {
				return nil, apierrors.ErrInval
			}
			err = c.fetchArray(ctx, o, df.SubEvt, iod, epoch, ares.floor, sgls[i], &res[i])
		}
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// fetchEmpty materializes the empty observation: zero length for a
// single value, holes across the probe range for an array.
func (c *Container) fetchEmpty(ctx context.Context, iod *proto.Iod, sgl bio.Sgl, res *IodResult) error {
	if iod.Type == proto.IodSingle {
		res.Size = 0
		return nil
	}
	res.RecSize = iod.RecSize
	base := uint64(0)
	for _, rx := range iod.Recxs {
		res.Segs = append(res.Segs, evt.Segment{Recx: rx, Addr: bio.HoleAddr(), Vis: evt.Hole})
		if iod.RecSize > 0 {
			if err := zeroSgl(sgl, base, rx.Count()*iod.RecSize); err != nil {
				return err
			}
			base += rx.Count() * iod.RecSize
		}
	}
	return nil
}

// fetchSingle resolves the newest value at or below epoch and stages it
// out through bio.
func (c *Container) fetchSingle(ctx context.Context, o *Object, root pmem.Addr, epoch, floor proto.Epoch, sgl bio.Sgl, res *IodResult) error {
	sv := o.btr(root, kbtr.ClassUint64)
	it := sv.Iterate()
	if err := it.Probe(kbtr.ProbeLE, epochKey(epoch), epoch); err != nil {
		if apierrors.Is(err, apierrors.ErrNonexist) {
			res.Size = 0
			return nil
		}
		return err
	}
	mark, err := it.Fetch()
	if err != nil {
		return err
	}
	if mark.Epoch <= floor || mark.Punched() || mark.Payload == pmem.NullAddr {
		res.Size = 0
		return nil
	}
	df := readSvDf(c.pool.pm, mark.Payload)
	res.Size = df.Size
	res.RecSize = df.Size
	if sgl.TotalSize() < df.Size {
		return apierrors.Overflow(df.Size)
	}

	list := []bio.AddrSize{{Addr: df.Addr, Size: df.Size}}
	desc, err := c.pool.ioc.Prep(ctx, bio.OpFetch, list)
	if err != nil {
		return err
	}
	data := desc.Sgl().Iovs[0]
	if err = verifyCsum(data, df.Csum); err != nil {
		desc.Post(ctx)
		return err
	}
	err = copySgl(sgl, bio.Sgl{Iovs: [][]byte{data}})
	reportIoBytes("fetch", list)
	if perr := desc.Post(ctx); err == nil {
		err = perr
	}
	return err
}

// fetchArray sweeps the visible extents over each probe range, stages
// segment payloads and zero-fills holes. One visible run must agree on
// its record size.
func (c *Container) fetchArray(ctx context.Context, o *Object, root pmem.Addr, iod *proto.Iod, epoch, floor proto.Epoch, sgl bio.Sgl, res *IodResult) error {
	et := o.evtree(root)
	epr := floorRange(floor, epoch)

	recSize := uint64(0)
	var all []evt.Segment
	for _, rx := range iod.Recxs {
		segs, err := et.Find(ctx, epr, rx, evt.FlagVisible)
		if err != nil {
			return err
		}
		for _, s := range segs {
			if s.Vis == evt.Hole {
				continue
			}
			if recSize == 0 {
				recSize = s.RecSize
			} else if recSize != s.RecSize {
				return apierrors.ErrInval
			}
		}
		all = append(all, segs...)
	}
	if recSize == 0 {
		recSize = iod.RecSize
	}
	res.RecSize = recSize
	res.Segs = all
	if recSize == 0 {
		return nil
	}

	var total uint64
	for _, rx := range iod.Recxs {
		total += rx.Count() * recSize
	}
	if sgl.TotalSize() < total {
		return apierrors.Overflow(total)
	}

	var (
		list    []bio.AddrSize
		offsets []uint64
		csums   []uint32
		whole   []bool
	)
	base := uint64(0)
	segIdx := 0
	for _, rx := range iod.Recxs {
		for ; segIdx < len(all); segIdx++ {
			s := all[segIdx]
			if s.Recx.Lo < rx.Lo || s.Recx.Hi > rx.Hi {
				break
			}
			list = append(list, bio.AddrSize{Addr: s.Addr, Size: s.Recx.Count() * recSize})
			offsets = append(offsets, base+(s.Recx.Lo-rx.Lo)*recSize)
			csums = append(csums, s.Csum)
			whole = append(whole, s.WholeEntry && s.Vis == evt.Visible)
		}
		base += rx.Count() * recSize
	}

	desc, err := c.pool.ioc.Prep(ctx, bio.OpFetch, list)
	if err != nil {
		return err
	}
	staged := desc.Sgl()
	for i, data := range staged.Iovs {
		if whole[i] {
			if err = verifyCsum(data, csums[i]); err != nil {
				desc.Post(ctx)
				return err
			}
		}
		if err = writeSglAt(sgl, offsets[i], data); err != nil {
			desc.Post(ctx)
			return err
		}
	}
	reportIoBytes("fetch", list)
	return desc.Post(ctx)
}

// verifyCsum checks a staged payload against its stored checksum. The
// verify call is a fault-injection site.
func verifyCsum(data []byte, want uint32) error {
	if err := fault.Fire(fault.SiteChecksum); err != nil {
		return err
	}
	if want == 0 {
		return nil
	}
	if crc32.Checksum(data, castagnoli) != want {
		return apierrors.ErrIO
	}
	return nil
}

// copySgl moves bytes from src into dst in iov order. dst shorter than
// src is ErrOverflow.
func copySgl(dst, src bio.Sgl) error {
	need := src.TotalSize()
	if dst.TotalSize() < need {
		return apierrors.Overflow(need)
	}
	di, doff := 0, 0
	for _, s := range src.Iovs {
		for len(s) > 0 {
			d := dst.Iovs[di][doff:]
			n := copy(d, s)
			s = s[n:]
			doff += n
			if doff == len(dst.Iovs[di]) {
				di, doff = di+1, 0
			}
		}
	}
	return nil
}

// writeSglAt copies data into dst starting at byte offset off.
func writeSglAt(dst bio.Sgl, off uint64, data []byte) error {
	for _, iov := range dst.Iovs {
		if off >= uint64(len(iov)) {
			off -= uint64(len(iov))
			continue
		}
		n := copy(iov[off:], data)
		data = data[n:]
		off = 0
		if len(data) == 0 {
			return nil
		}
	}
	if len(data) > 0 {
		return apierrors.Overflow(uint64(len(data)))
	}
	return nil
}

// zeroSgl clears size bytes of dst starting at off.
func zeroSgl(dst bio.Sgl, off, size uint64) error {
	for _, iov := range dst.Iovs {
		if off >= uint64(len(iov)) {
			off -= uint64(len(iov))
			continue
		}
		chunk := iov[off:]
		for i := range chunk {
			if size == 0 {
				return nil
			}
			chunk[i] = 0
			size--
		}
		off = 0
		if size == 0 {
			return nil
		}
	}
	if size > 0 {
		return apierrors.Overflow(size)
	}
	return nil
}

func reportIoBytes(op string, list []bio.AddrSize) {
	var scm, nvme uint64
	for _, as := range list {
		switch as.Addr.Kind {
		case bio.AddrScm:
			scm += as.Size
		case bio.AddrNvme:
			nvme += as.Size
		}
	}
	if scm > 0 {
		metrics.IoBytes.WithLabelValues(op, "scm").Add(float64(scm))
	}
	if nvme > 0 {
		metrics.IoBytes.WithLabelValues(op, "nvme").Add(float64(nvme))
	}
}
