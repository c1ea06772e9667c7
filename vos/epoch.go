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

	apierrors "github.com/cubefs/vosdb/errors"
	"github.com/cubefs/vosdb/proto"
	"github.com/cubefs/vosdb/vos/kbtr"
)

// The one visibility rule every level shares. A reader at epoch E over
// a key with marks (earliest..latest) sees the key when its newest mark
// at or below E exists, is not a tombstone, and is not hidden under a
// punch of an enclosing level. The punch floor accumulates downward:
// data at or below the floor does not exist for the reader.

// keyRes is one resolved key level.
type keyRes struct {
	mark  kbtr.Mark
	floor proto.Epoch
}

// resolveKey resolves key in t for a reader at epoch over the parent's
// punch floor. ok reports visibility; an invisible key yields no error
// unless the probe itself failed.
func resolveKey(ctx context.Context, t *kbtr.Tree, key []byte, epoch proto.Epoch, floor proto.Epoch, intent proto.Intent) (keyRes, bool, error) {
	m, kf, err := t.LookupFloor(ctx, key, epoch, intent)
	if err != nil {
		if apierrors.Is(err, apierrors.ErrNonexist) {
			return keyRes{}, false, nil
		}
		return keyRes{}, false, err
	}
	if m.Punched() || m.Epoch <= floor {
		return keyRes{}, false, nil
	}
	if kf > floor {
		floor = kf
	}
	return keyRes{mark: m, floor: floor}, true, nil
}

// floorRange converts a punch floor into the epoch range an extent or
// value probe may see at reader epoch.
func floorRange(floor, epoch proto.Epoch) proto.EpochRange {
	lo := proto.Epoch(0)
	if floor > 0 {
		lo = floor + 1
	}
	return proto.EpochRange{Lo: lo, Hi: epoch}
}
