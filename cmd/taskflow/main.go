// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// taskflow builds the task graph of a collective boxing on machine 0, serializes it and rebuilds it
// as a remote process would, checks both produce the same execution sequences, and executes them
// on the virtual machine with no-op kernels.
//
// Usage:
//
//	taskflow -config=taskflow.toml -shape=4,8 -dtype=float32 -src=B -dst=S0 -ranks=2 -participant=0
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/taskflow/pkg/core/distributed"
	"github.com/gomlx/taskflow/pkg/core/shapes"
	"github.com/gomlx/taskflow/pkg/env"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagConfig = flag.String("config", "",
		fmt.Sprintf("TOML configuration file. If empty, the file in $%s is used, if set.", env.ConfigEnvVar))
	flagShape       = flag.String("shape", "4,8", "Comma-separated dimensions of the logical shape of the blob.")
	flagDType       = flag.String("dtype", "float32", "Element type of the blob.")
	flagSrc         = flag.String("src", "B", "Source partitioning of the blob: \"S(axis)\", \"B\" or \"P\".")
	flagDst         = flag.String("dst", "S0", "Destination partitioning of the blob: \"S(axis)\", \"B\" or \"P\".")
	flagRanks       = flag.Int("ranks", 2, "Number of participants of the collective boxing.")
	flagParticipant = flag.Int("participant", 0, "Participant executing the unpack task.")
	flagRepeat      = flag.Int("repeat", 100, "Number of times the execution sequences are executed.")
)

func main() {
	flag.Parse()
	if flag.NArg() > 0 {
		klog.Errorf("Unexpected arguments %q. See 'taskflow -help'.", flag.Args())
		os.Exit(1)
	}
	cfg := must.M1(loadConfig(*flagConfig))
	opts := must.M1(parseBoxingOptions(*flagShape, *flagDType, *flagSrc, *flagDst, *flagRanks, *flagParticipant))
	e := must.M1(env.New(cfg))
	defer e.Close()

	result, err := runScenario(context.Background(), e, opts, *flagRepeat, newProgress)
	if err != nil {
		klog.Errorf("Failed: %+v", err)
		e.Close()
		os.Exit(1)
	}
	report(os.Stdout, result)
}

func loadConfig(path string) (env.Config, error) {
	if path == "" {
		path = os.Getenv(env.ConfigEnvVar)
	}
	if path == "" {
		return env.DefaultConfig(), nil
	}
	return env.LoadConfig(path)
}

// boxingOptions describes the collective boxing to build.
type boxingOptions struct {
	logicalShape shapes.Shape
	src, dst     distributed.SbpParallel
	parallelCtx  distributed.ParallelContext
}

func parseBoxingOptions(shape, dtype, src, dst string, ranks, participant int) (opts boxingOptions, err error) {
	dt, found := dtypes.MapOfNames[dtype]
	if !found && dtype != "" {
		dt, found = dtypes.MapOfNames[strings.ToUpper(dtype[:1])+dtype[1:]]
	}
	if !found || dt == dtypes.InvalidDType {
		err = errors.Errorf("unknown dtype %q", dtype)
		return
	}
	var dims []int64
	for _, part := range strings.Split(shape, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var dim int64
		dim, err = strconv.ParseInt(part, 10, 64)
		if err != nil {
			err = errors.Wrapf(err, "invalid shape %q", shape)
			return
		}
		dims = append(dims, dim)
	}
	if opts.logicalShape, err = shapes.FromDims(dt, dims); err != nil {
		return
	}
	if opts.src, err = distributed.ParseSbpParallel(src); err != nil {
		return
	}
	if opts.dst, err = distributed.ParseSbpParallel(dst); err != nil {
		return
	}
	opts.parallelCtx = distributed.ParallelContext{ParallelID: participant, ParallelNum: ranks}
	err = opts.parallelCtx.Validate()
	return
}
