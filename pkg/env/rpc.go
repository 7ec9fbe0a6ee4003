// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package env

import (
	"github.com/pkg/errors"
)

// RPCBackend used by the process to talk to the other processes.
type RPCBackend string

const (
	RPCBackendDryRun RPCBackend = "dry-run"
	RPCBackendLocal  RPCBackend = "local"
	RPCBackendGRPC   RPCBackend = "grpc"
)

// ParseRPCBackend validates the name of an RPC backend.
func ParseRPCBackend(name string) (RPCBackend, error) {
	switch backend := RPCBackend(name); backend {
	case RPCBackendDryRun, RPCBackendLocal, RPCBackendGRPC:
		return backend, nil
	}
	return "", errors.Errorf("unknown rpc backend %q, valid values are %q, %q and %q",
		name, RPCBackendDryRun, RPCBackendLocal, RPCBackendGRPC)
}

// SelectRPCBackend returns the backend configured, or the one implied by the configuration:
// dry-run if requested, local for a single process and gRPC otherwise.
func SelectRPCBackend(cfg EnvConfig) (RPCBackend, error) {
	if cfg.RPCBackend != "" {
		backend, err := ParseRPCBackend(cfg.RPCBackend)
		if err != nil {
			return "", err
		}
		if cfg.DryRun && backend != RPCBackendDryRun {
			return "", errors.Errorf("dry run requires the %q rpc backend, got %q", RPCBackendDryRun, backend)
		}
		return backend, nil
	}
	if cfg.DryRun {
		return RPCBackendDryRun, nil
	}
	singleProcess := (cfg.MachineNum == 1 && cfg.CtrlWorldSize == 0) || cfg.CtrlWorldSize == 1
	if singleProcess {
		return RPCBackendLocal, nil
	}
	return RPCBackendGRPC, nil
}
