// Copyright 2023 The Cuber Authors.
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

// Package limiter throttles block-device traffic of one I/O context:
// byte rates per direction plus a cap on in-flight requests.
package limiter

import (
	"context"
	"sync/atomic"

	apierrors "github.com/cubefs/vosdb/errors"
	"golang.org/x/time/rate"
)

type (
	Limiter interface {
		AcquireRead() error
		ReleaseRead()
		AcquireWrite() error
		ReleaseWrite()
		WaitRead(ctx context.Context, n int) error
		WaitWrite(ctx context.Context, n int) error
		Status() Status
	}

	LimitConfig struct {
		ReadConcurrency  int `json:"read_concurrency"`
		WriteConcurrency int `json:"write_concurrency"`
		ReadMBPS         int `json:"read_mbps"`
		WriteMBPS        int `json:"write_mbps"`
	}

	Status struct {
		Config       LimitConfig
		ReadRunning  int
		WriteRunning int
	}

	CountLimit interface {
		Running() int
		Acquire() error
		Release()
	}

	limiter struct {
		config          LimitConfig
		readCountLimit  CountLimit
		writeCountLimit CountLimit
		rateReader      *rate.Limiter
		rateWriter      *rate.Limiter
	}

	countLimit struct {
		running int32
		limit   int32
	}
)

func NewLimiter(cfg LimitConfig) Limiter {
	mb := 1 << 20
	lim := &limiter{config: cfg}
	if cfg.ReadConcurrency > 0 {
		lim.readCountLimit = NewCountLimit(cfg.ReadConcurrency)
	}
	if cfg.WriteConcurrency > 0 {
		lim.writeCountLimit = NewCountLimit(cfg.WriteConcurrency)
	}
	if cfg.ReadMBPS > 0 {
		lim.rateReader = rate.NewLimiter(rate.Limit(cfg.ReadMBPS*mb), cfg.ReadMBPS*mb)
	}
	if cfg.WriteMBPS > 0 {
		lim.rateWriter = rate.NewLimiter(rate.Limit(cfg.WriteMBPS*mb), cfg.WriteMBPS*mb)
	}
	return lim
}

func NewCountLimit(limit int) CountLimit {
	return &countLimit{limit: int32(limit)}
}

func (c *countLimit) Running() int {
	return int(atomic.LoadInt32(&c.running))
}

func (c *countLimit) Acquire() error {
	if atomic.AddInt32(&c.running, 1) > c.limit {
		atomic.AddInt32(&c.running, -1)
		return apierrors.ErrBusy
	}
	return nil
}

func (c *countLimit) Release() {
	atomic.AddInt32(&c.running, -1)
}

func (lim *limiter) AcquireRead() error {
	if lim.readCountLimit != nil {
		return lim.readCountLimit.Acquire()
	}
	return nil
}

func (lim *limiter) ReleaseRead() {
	if lim.readCountLimit != nil {
		lim.readCountLimit.Release()
	}
}

func (lim *limiter) AcquireWrite() error {
	if lim.writeCountLimit != nil {
		return lim.writeCountLimit.Acquire()
	}
	return nil
}

func (lim *limiter) ReleaseWrite() {
	if lim.writeCountLimit != nil {
		lim.writeCountLimit.Release()
	}
}

func waitN(ctx context.Context, r *rate.Limiter, n int) error {
	if r == nil {
		return nil
	}
	burst := r.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := r.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func (lim *limiter) WaitRead(ctx context.Context, n int) error {
	return waitN(ctx, lim.rateReader, n)
}

func (lim *limiter) WaitWrite(ctx context.Context, n int) error {
	return waitN(ctx, lim.rateWriter, n)
}

func (lim *limiter) Status() (st Status) {
	st.Config = lim.config
	if lim.readCountLimit != nil {
		st.ReadRunning = lim.readCountLimit.Running()
	}
	if lim.writeCountLimit != nil {
		st.WriteRunning = lim.writeCountLimit.Running()
	}
	return
}
