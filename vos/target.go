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
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cubefs/vosdb/common/pmem"
	apierrors "github.com/cubefs/vosdb/errors"
)

// PoolStats is a point-in-time usage snapshot of one pool.
type PoolStats struct {
	ScmCapacity uint64 `json:"scm_capacity"`
	ScmUsed     uint64 `json:"scm_used"`
	NvmeUsed    uint64 `json:"nvme_used"`
	Containers  int    `json:"containers"`
	Objects     uint64 `json:"objects"`
}

// Stats walks the container index and totals object counts alongside
// the space watermarks.
func (p *Pool) Stats(ctx context.Context) (PoolStats, error) {
	st := PoolStats{
		ScmCapacity: p.pm.Capacity(),
		ScmUsed:     p.pm.Used(),
		NvmeUsed:    p.nvmeUsed(),
	}
	ids, err := p.ListContainers(ctx)
	if err != nil {
		return st, err
	}
	st.Containers = len(ids)
	for _, id := range ids {
		m, err := p.conts.Latest(id[:])
		if err != nil || m.Payload == pmem.NullAddr {
			continue
		}
		st.Objects += readContDf(p.pm, m.Payload).ObjCount
	}
	return st, nil
}

// Target is one xstream's execution context: it owns a pool and runs
// every operation on a single worker, so pool state never sees two
// operations at once.
type Target struct {
	id   uint32
	pool *Pool
	tp   taskpool.TaskPool

	conts map[uuid.UUID]*Container
	mu    sync.Mutex
}

// OpenTarget opens the pool and warms every container root before the
// target accepts work.
func OpenTarget(ctx context.Context, cfg PoolConfig) (*Target, error) {
	p, err := OpenPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	t := &Target{
		id:    cfg.XstreamID,
		pool:  p,
		tp:    taskpool.New(1, 1),
		conts: make(map[uuid.UUID]*Container),
	}
	if err = t.bootstrap(ctx); err != nil {
		t.tp.Close()
		p.Close()
		return nil, err
	}
	return t, nil
}

// bootstrap scans the container index and opens each container so the
// first operation does not pay hydration.
func (t *Target) bootstrap(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	ids, err := t.pool.ListContainers(ctx)
	if err != nil {
		return err
	}
	var (
		mu sync.Mutex
		eg errgroup.Group
	)
	for i := range ids {
		id := ids[i]
		eg.Go(func() error {
			c, err := t.pool.OpenContainer(ctx, id)
			if err != nil {
				return err
			}
			mu.Lock()
			t.conts[id] = c
			mu.Unlock()
			return nil
		})
	}
	if err = eg.Wait(); err != nil {
		return err
	}
	span.Infof("target %d warmed %d containers", t.id, len(ids))
	return nil
}

func (t *Target) ID() uint32 {
	return t.id
}

func (t *Target) Pool() *Pool {
	return t.pool
}

// Container returns the warmed handle, opening on first use.
func (t *Target) Container(ctx context.Context, id uuid.UUID) (*Container, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conts[id]; ok {
		return c, nil
	}
	c, err := t.pool.OpenContainer(ctx, id)
	if err != nil {
		return nil, err
	}
	t.conts[id] = c
	return c, nil
}

// Exec runs fn on the target's worker and waits for it. Operations on
// one target serialize here.
func (t *Target) Exec(ctx context.Context, fn func(*Pool) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	t.tp.Run(func() {
		done <- fn(t.pool)
	})
	return <-done
}

// Close drains the worker and closes the pool.
func (t *Target) Close() error {
	t.mu.Lock()
	for id, c := range t.conts {
		c.Close()
		delete(t.conts, id)
	}
	t.mu.Unlock()
	t.tp.Close()
	return t.pool.Close()
}

// ServiceConfig fans one target out per configured pool. BdevList hands
// one device per target in order; NrXsHelpers sizes each target's
// write-back workers; FirstCore is the base of the xstream core layout.
type ServiceConfig struct {
	Targets     []PoolConfig `json:"targets"`
	BdevList    []string     `json:"bdev_list"`
	NrXsHelpers int          `json:"nr_xs_helpers"`
	FirstCore   int          `json:"first_core"`
}

// Service is the process-level owner of every target.
type Service struct {
	targets map[uint32]*Target
}

// NewService opens all configured targets concurrently; a single
// failure closes whatever already opened.
func NewService(ctx context.Context, cfg ServiceConfig) (*Service, error) {
	if len(cfg.Targets) == 0 {
		return nil, apierrors.ErrInval
	}
	span := trace.SpanFromContextSafe(ctx)
	s := &Service{targets: make(map[uint32]*Target)}
	var (
		mu sync.Mutex
		eg errgroup.Group
	)
	for i := range cfg.Targets {
		tcfg := cfg.Targets[i]
		if tcfg.Bio.Path == "" && len(tcfg.Bio.BdevList) == 0 && i < len(cfg.BdevList) {
			tcfg.Bio.Path = cfg.BdevList[i]
		}
		if tcfg.Bio.WriteBackWorkers == 0 && cfg.NrXsHelpers > 0 {
			tcfg.Bio.WriteBackWorkers = cfg.NrXsHelpers
		}
		eg.Go(func() error {
			t, err := OpenTarget(ctx, tcfg)
			if err != nil {
				return err
			}
			mu.Lock()
			if _, ok := s.targets[tcfg.XstreamID]; ok {
				mu.Unlock()
				t.Close()
				return apierrors.ErrExist
			}
			s.targets[tcfg.XstreamID] = t
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		s.Close()
		return nil, err
	}
	span.Infof("%d targets up, xstream cores start at %d", len(s.targets), cfg.FirstCore)
	return s, nil
}

// Target picks one xstream.
func (s *Service) Target(id uint32) (*Target, error) {
	t, ok := s.targets[id]
	if !ok {
		return nil, apierrors.ErrNonexist
	}
	return t, nil
}

// Targets lists the open xstream ids.
func (s *Service) Targets() []uint32 {
	out := make([]uint32, 0, len(s.targets))
	for id := range s.targets {
		out = append(out, id)
	}
	return out
}

// Stats reports pool usage per target, keyed by target id.
func (s *Service) Stats(ctx context.Context) (map[uint32]PoolStats, error) {
	out := make(map[uint32]PoolStats, len(s.targets))
	for id, t := range s.targets {
		st, err := t.pool.Stats(ctx)
		if err != nil {
			return nil, err
		}
		out[id] = st
	}
	return out, nil
}

func (s *Service) Close() {
	for id, t := range s.targets {
		t.Close()
		delete(s.targets, id)
	}
}
