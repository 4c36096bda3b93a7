// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// chainflow-server is a development server: it exposes the streaming engine
// over gRPC against a synthetic chain so clients can be exercised without a
// real block source or module runtime
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/blinklabs-io/chainflow"
	"github.com/blinklabs-io/chainflow/rpc"
	"github.com/blinklabs-io/chainflow/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
)

type serverFlags struct {
	listen        string
	metricsListen string
	snapshotDir   string
	workers       int
	segmentSize   uint64
	saveInterval  uint64
	startHead     uint64
	blockInterval time.Duration
}

func main() {
	f := serverFlags{}
	flag.StringVar(&f.listen, "listen", ":9000", "gRPC listen address")
	flag.StringVar(&f.metricsListen, "metrics-listen", "", "Prometheus listen address (empty disables)")
	flag.StringVar(&f.snapshotDir, "snapshot-dir", "", "directory for store snapshot persistence (empty disables)")
	flag.IntVar(&f.workers, "workers", 4, "max parallel backfill workers per session")
	flag.Uint64Var(&f.segmentSize, "segment-size", 1000, "blocks per backfill job")
	flag.Uint64Var(&f.saveInterval, "save-interval", 1000, "blocks between store merges")
	flag.Uint64Var(&f.startHead, "start-head", 100000, "synthetic chain head at startup")
	flag.DurationVar(&f.blockInterval, "block-interval", time.Second, "synthetic block production interval")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	opts := []chainflow.EngineOptionFunc{
		chainflow.WithBlockSource(newDevChain(f.startHead, f.blockInterval)),
		chainflow.WithModuleRunner(devRunner{}),
		chainflow.WithLogger(logger),
		chainflow.WithMaxParallelWorkers(f.workers),
		chainflow.WithSegmentSize(f.segmentSize),
		chainflow.WithStoreSaveInterval(f.saveInterval),
	}
	if f.snapshotDir != "" {
		snapshots, err := storage.NewBadgerStore(f.snapshotDir, logger)
		if err != nil {
			fmt.Printf("ERROR: %s\n", err)
			os.Exit(1)
		}
		defer snapshots.Close()
		opts = append(opts, chainflow.WithSnapshotSink(snapshots))
	}
	if f.metricsListen != "" {
		registry := prometheus.NewRegistry()
		opts = append(opts, chainflow.WithPrometheusRegisterer(registry))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(f.metricsListen, mux); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	engine, err := chainflow.New(opts...)
	if err != nil {
		fmt.Printf("ERROR: %s\n", err)
		os.Exit(1)
	}

	listener, err := net.Listen("tcp", f.listen)
	if err != nil {
		fmt.Printf("ERROR: %s\n", err)
		os.Exit(1)
	}
	server := grpc.NewServer()
	rpc.RegisterBlocksServer(server, engine)
	logger.Info("serving", "listen", f.listen)
	if err := server.Serve(listener); err != nil {
		fmt.Printf("ERROR: %s\n", err)
		os.Exit(1)
	}
}
