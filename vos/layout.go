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
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/cubefs/vosdb/common/bio"
	"github.com/cubefs/vosdb/common/pmem"
	"github.com/cubefs/vosdb/proto"
)

// Durable record layouts. Every record is a fixed-offset byte image in
// the PM arena; mutators register the touched range with the active
// transaction before writing.

const (
	rootMagic   = uint32(0x766f7344) // "vosD"
	rootVersion = uint32(1)

	// pool root: magic(4) version(4) contRoot(8) nvmeUsed(8) blobID(8)
	// uuid(16)
	poolDfSize = 48

	pdOffMagic    = 0
	pdOffVersion  = 4
	pdOffContRoot = 8
	pdOffNvmeUsed = 16
	pdOffBlobID   = 24
	pdOffUUID     = 32

	// container: oiRoot(8) objCount(8)
	contDfSize = 16

	cdOffOIRoot   = 0
	cdOffObjCount = 8

	// object: dkeyRoot(8) attrs(8) earliest(8) latest(8)
	objDfSize = 32

	odOffDkeyRoot = 0
	odOffAttrs    = 8
	odOffEarliest = 16
	odOffLatest   = 24

	// key: subBtr(8) subEvt(8) kind(1)
	keyDfSize = 17

	kdOffSubBtr = 0
	kdOffSubEvt = 8
	kdOffKind   = 16

	// single value: size(8) bioOff(8) csum(4) kind(1)
	svDfSize = 21

	svOffSize = 0
	svOffBio  = 8
	svOffCsum = 16
	svOffKind = 20
)

// key record attachment kinds
const (
	bfBtr = uint8(1) << 0
	bfEvt = uint8(1) << 1
)

type poolDf struct {
	ContRoot pmem.Addr
	NvmeUsed uint64
	BlobID   uint64
	UUID     uuid.UUID
}

func readPoolDf(pm *pmem.Pool, addr pmem.Addr) poolDf {
	b := pm.Direct(addr, poolDfSize)
	var df poolDf
	df.ContRoot = pmem.Addr(binary.LittleEndian.Uint64(b[pdOffContRoot:]))
	df.NvmeUsed = binary.LittleEndian.Uint64(b[pdOffNvmeUsed:])
	df.BlobID = binary.LittleEndian.Uint64(b[pdOffBlobID:])
	copy(df.UUID[:], b[pdOffUUID:pdOffUUID+16])
	return df
}

func writePoolDf(pm *pmem.Pool, addr pmem.Addr, df poolDf) {
	b := pm.Direct(addr, poolDfSize)
	binary.LittleEndian.PutUint32(b[pdOffMagic:], rootMagic)
	binary.LittleEndian.PutUint32(b[pdOffVersion:], rootVersion)
	binary.LittleEndian.PutUint64(b[pdOffContRoot:], uint64(df.ContRoot))
	binary.LittleEndian.PutUint64(b[pdOffNvmeUsed:], df.NvmeUsed)
	binary.LittleEndian.PutUint64(b[pdOffBlobID:], df.BlobID)
	copy(b[pdOffUUID:], df.UUID[:])
}

func rootValid(pm *pmem.Pool, addr pmem.Addr) bool {
	b := pm.Direct(addr, poolDfSize)
	return binary.LittleEndian.Uint32(b[pdOffMagic:]) == rootMagic &&
		binary.LittleEndian.Uint32(b[pdOffVersion:]) == rootVersion
}

type contDf struct {
	OIRoot   pmem.Addr
	ObjCount uint64
}

func readContDf(pm *pmem.Pool, addr pmem.Addr) contDf {
	b := pm.Direct(addr, contDfSize)
	return contDf{
		OIRoot:   pmem.Addr(binary.LittleEndian.Uint64(b[cdOffOIRoot:])),
		ObjCount: binary.LittleEndian.Uint64(b[cdOffObjCount:]),
	}
}

func writeContDf(pm *pmem.Pool, addr pmem.Addr, df contDf) {
	b := pm.Direct(addr, contDfSize)
	binary.LittleEndian.PutUint64(b[cdOffOIRoot:], uint64(df.OIRoot))
	binary.LittleEndian.PutUint64(b[cdOffObjCount:], df.ObjCount)
}

type objDf struct {
	DkeyRoot pmem.Addr
	Attrs    uint64
	Earliest proto.Epoch
	Latest   proto.Epoch
}

func readObjDf(pm *pmem.Pool, addr pmem.Addr) objDf {
	b := pm.Direct(addr, objDfSize)
	return objDf{
		DkeyRoot: pmem.Addr(binary.LittleEndian.Uint64(b[odOffDkeyRoot:])),
		Attrs:    binary.LittleEndian.Uint64(b[odOffAttrs:]),
		Earliest: binary.LittleEndian.Uint64(b[odOffEarliest:]),
		Latest:   binary.LittleEndian.Uint64(b[odOffLatest:]),
	}
}

func writeObjDf(pm *pmem.Pool, addr pmem.Addr, df objDf) {
	b := pm.Direct(addr, objDfSize)
	binary.LittleEndian.PutUint64(b[odOffDkeyRoot:], uint64(df.DkeyRoot))
	binary.LittleEndian.PutUint64(b[odOffAttrs:], df.Attrs)
	binary.LittleEndian.PutUint64(b[odOffEarliest:], df.Earliest)
	binary.LittleEndian.PutUint64(b[odOffLatest:], df.Latest)
}

type keyDf struct {
	SubBtr pmem.Addr
	SubEvt pmem.Addr
	Kind   uint8
}

func readKeyDf(pm *pmem.Pool, addr pmem.Addr) keyDf {
	b := pm.Direct(addr, keyDfSize)
	return keyDf{
		SubBtr: pmem.Addr(binary.LittleEndian.Uint64(b[kdOffSubBtr:])),
		SubEvt: pmem.Addr(binary.LittleEndian.Uint64(b[kdOffSubEvt:])),
		Kind:   b[kdOffKind],
	}
}

func writeKeyDf(pm *pmem.Pool, addr pmem.Addr, df keyDf) {
	b := pm.Direct(addr, keyDfSize)
	binary.LittleEndian.PutUint64(b[kdOffSubBtr:], uint64(df.SubBtr))
	binary.LittleEndian.PutUint64(b[kdOffSubEvt:], uint64(df.SubEvt))
	b[kdOffKind] = df.Kind
}

type svDf struct {
	Size uint64
	Addr bio.Addr
	Csum uint32
}

func readSvDf(pm *pmem.Pool, addr pmem.Addr) svDf {
	b := pm.Direct(addr, svDfSize)
	return svDf{
		Size: binary.LittleEndian.Uint64(b[svOffSize:]),
		Addr: bio.Addr{
			Kind: bio.AddrKind(b[svOffKind]),
			Off:  binary.LittleEndian.Uint64(b[svOffBio:]),
		},
		Csum: binary.LittleEndian.Uint32(b[svOffCsum:]),
	}
}

func writeSvDf(pm *pmem.Pool, addr pmem.Addr, df svDf) {
	b := pm.Direct(addr, svDfSize)
	binary.LittleEndian.PutUint64(b[svOffSize:], df.Size)
	binary.LittleEndian.PutUint64(b[svOffBio:], df.Addr.Off)
	binary.LittleEndian.PutUint32(b[svOffCsum:], df.Csum)
	b[svOffKind] = uint8(df.Addr.Kind)
}

// oidKey encodes an object id big endian so opaque byte order matches
// numeric order.
func oidKey(oid proto.ObjectID) []byte {
	var k [16]byte
	binary.BigEndian.PutUint64(k[0:], oid.Hi)
	binary.BigEndian.PutUint64(k[8:], oid.Lo)
	return k[:]
}

func oidOf(key []byte) proto.ObjectID {
	return proto.ObjectID{
		Hi: binary.BigEndian.Uint64(key[0:]),
		Lo: binary.BigEndian.Uint64(key[8:]),
	}
}

// epochKey encodes an epoch as a numeric tree key.
func epochKey(e proto.Epoch) []byte {
	var k [8]byte
	binary.LittleEndian.PutUint64(k[:], e)
	return k[:]
}

func keyOfEpoch(key []byte) proto.Epoch {
	return binary.LittleEndian.Uint64(key)
}
