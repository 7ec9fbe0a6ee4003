// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package env holds the process environment of the scheduling core: configuration, resources, RPC
// backend selection and id generation. An Env is created once at process start and handed to the
// components that need it.
package env

import (
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/gomlx/taskflow/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Env is the process environment.
type Env struct {
	cfg        Config
	resource   Resource
	rpcBackend RPCBackend
	ids        *IDManager
	closed     atomic.Bool
}

// New creates the environment for the configuration, and configures the logging.
func New(cfg Config) (*Env, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := initLogging(cfg.Logging); err != nil {
		return nil, err
	}
	resource, err := resolveResource(cfg)
	if err != nil {
		return nil, err
	}
	backend, err := SelectRPCBackend(cfg.Env)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("Using rpc backend: %s", backend)
	klog.V(1).Infof("Machine %d of %d: %d cpu devices (%d threads each), %d gpu devices",
		cfg.Env.MachineID, resource.MachineNum, resource.CPUDeviceNum, resource.NumThreadsPerCPUDevice, resource.GPUDeviceNum)
	return &Env{
		cfg:        cfg,
		resource:   resource,
		rpcBackend: backend,
		ids:        NewIDManager(cfg.Env.MachineID),
	}, nil
}

// initLogging configures klog through a private flag set, so the program's flags are not touched.
func initLogging(cfg LoggingConfig) error {
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)
	values := map[string]string{
		"logtostderr": strconv.FormatBool(cfg.LogToStderr),
		"v":           strconv.Itoa(cfg.Verbosity),
	}
	if cfg.LogDir != "" {
		hostname, err := os.Hostname()
		if err != nil {
			return errors.Wrap(err, "failed to get the hostname for the log directory")
		}
		logDir, err := fsutil.EnsureDir(filepath.Join(cfg.LogDir, hostname))
		if err != nil {
			return err
		}
		values["log_dir"] = logDir
	}
	for name, value := range values {
		if err := fs.Set(name, value); err != nil {
			return errors.Wrapf(err, "failed to set logging flag -%s=%s", name, value)
		}
	}
	return nil
}

// Config returns the configuration the environment was created with.
func (e *Env) Config() Config { return e.cfg }

// MachineID of this process.
func (e *Env) MachineID() int64 { return e.cfg.Env.MachineID }

// Resource returns the resolved resources of this machine.
func (e *Env) Resource() Resource { return e.resource }

// RPCBackend returns the selected RPC backend.
func (e *Env) RPCBackend() RPCBackend { return e.rpcBackend }

// IDs returns the id generator of this machine.
func (e *Env) IDs() *IDManager { return e.ids }

// Close flushes the logs. It can be called more than once.
func (e *Env) Close() {
	if e.closed.Swap(true) {
		return
	}
	klog.Flush()
}
