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

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	apierrors "github.com/cubefs/vosdb/errors"
)

var (
	Registry = prometheus.NewRegistry()

	OpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "VosDB",
		Name:      "op_duration_seconds",
		Help:      "engine operation latency",
		Buckets:   prometheus.ExponentialBuckets(1e-5, 2, 20),
	}, []string{"op"})

	OpErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "VosDB",
		Name:      "op_errors_total",
		Help:      "engine operation failures by code",
	}, []string{"op", "code"})

	TxCommits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "VosDB",
		Name:      "tx_commits_total",
		Help:      "committed pm transactions",
	})

	TxAborts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "VosDB",
		Name:      "tx_aborts_total",
		Help:      "aborted pm transactions",
	})

	ObjCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "VosDB",
		Name:      "obj_cache_hits_total",
		Help:      "object cache hits on hold",
	})

	ObjCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "VosDB",
		Name:      "obj_cache_misses_total",
		Help:      "object cache misses on hold",
	})

	ObjCacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "VosDB",
		Name:      "obj_cache_evictions_total",
		Help:      "objects dropped from the cache",
	})

	IoBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "VosDB",
		Name:      "io_bytes_total",
		Help:      "payload bytes moved by medium",
	}, []string{"op", "medium"})
)

func init() {
	Registry.MustRegister(
		OpDuration,
		OpErrors,
		TxCommits,
		TxAborts,
		ObjCacheHits,
		ObjCacheMisses,
		ObjCacheEvictions,
		IoBytes,
	)
}

// ReportOp records one engine operation outcome.
func ReportOp(op string, err error, cost time.Duration) {
	OpDuration.WithLabelValues(op).Observe(cost.Seconds())
	if err != nil {
		OpErrors.WithLabelValues(op, strconv.Itoa(apierrors.Code(err))).Inc()
	}
}
