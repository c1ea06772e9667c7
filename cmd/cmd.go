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

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cubefs/vosdb/metrics"
	"github.com/cubefs/vosdb/vos"
)

// Config service config
type Config struct {
	vos.ServiceConfig

	HttpBindPort uint32    `json:"http_bind_port"`
	LogLevel     log.Level `json:"log_level"`
}

func main() {
	config.Init("f", "", "vosdb.json")

	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		log.Fatal(errors.Detail(err))
	}
	raiseFdLimit()
	log.SetOutputLevel(cfg.LogLevel)

	span, ctx := trace.StartSpanFromContext(context.Background(), "vosdb")
	svc, err := vos.NewService(ctx, cfg.ServiceConfig)
	if err != nil {
		span.Fatalf("open targets failed: %s", errors.Detail(err))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		st, err := svc.Stats(r.Context())
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(st)
	})
	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(int(cfg.HttpBindPort)),
		Handler: mux,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			span.Fatalf("http server failed: %s", err)
		}
	}()
	span.Infof("vosdb serving %d targets on :%d", len(svc.Targets()), cfg.HttpBindPort)

	// wait for signal
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	<-ch

	httpServer.Close()
	svc.Close()
}

// The pool, journal and blob files of every target stay open for the
// process lifetime; the default nofile limit is too small for that.
const minOpenFiles = 1 << 20

func raiseFdLimit() {
	var lim syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &lim); err != nil {
		log.Fatalf("get nofile limit failed: %s", err)
	}
	if lim.Cur >= minOpenFiles {
		return
	}
	log.Infof("raising nofile limit %d/%d to %d", lim.Cur, lim.Max, minOpenFiles)
	lim.Cur, lim.Max = minOpenFiles, minOpenFiles
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &lim); err != nil {
		log.Fatalf("set nofile limit failed: %s", err)
	}
}
