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

	"github.com/cubefs/vosdb/common/pmem"
	apierrors "github.com/cubefs/vosdb/errors"
	"github.com/cubefs/vosdb/proto"
	"github.com/cubefs/vosdb/vos/kbtr"
)

// Punch tombstones keys at epoch. A nil dkey punches the whole object;
// an empty akeys list punches the dkey; otherwise each akey gets its
// own tombstone mark under a live dkey mark. Nothing beneath a punch
// is deleted, readers at or past the epoch just stop seeing it.
func (c *Container) Punch(ctx context.Context, oid proto.ObjectID, epoch proto.Epoch, dkey []byte, akeys [][]byte) error {
	if dkey == nil {
		if len(akeys) != 0 {
			return apierrors.ErrInval
		}
		return c.PunchObject(ctx, oid, epoch)
	}
	if len(dkey) == 0 || len(dkey) > proto.MaxKeyLen {
		return apierrors.ErrInval
	}
	for _, ak := range akeys {
		if len(ak) == 0 || len(ak) > proto.MaxKeyLen {
			return apierrors.ErrInval
		}
	}

	err := c.pool.pm.RunTx(ctx, func(tx *pmem.Tx) error {
		o, err := c.HoldObject(ctx, oid, epoch, true, proto.IntentPunch)
		if err != nil {
			return err
		}
		defer o.Release()

		if len(akeys) == 0 {
			dkTree, err := o.dkeyTree()
			if err != nil {
				return err
			}
			if _, _, err = dkTree.Upsert(ctx, tx, dkey, epoch, kbtr.FlagPunched); err != nil {
				return err
			}
			c.touchEpochs(tx, o.rec, epoch)
			return nil
		}

		akTree, err := o.prepareDkey(ctx, tx, dkey, epoch, 0)
		if err != nil {
			return err
		}
		for _, ak := range akeys {
			if _, _, err = akTree.Upsert(ctx, tx, ak, epoch, kbtr.FlagPunched); err != nil {
				return err
			}
		}
		c.touchEpochs(tx, o.rec, epoch)
		return nil
	})
	if err != nil {
		c.cache.evict(oid)
		return err
	}
	return nil
}
