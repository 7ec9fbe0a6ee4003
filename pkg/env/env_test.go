// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package env

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig(`
[env]
machine_id = 1
machine_num = 2

[resource]
cpu_device_num = 4
num_threads_per_cpu_device = 3

[vm]
max_in_flight_per_stream = 2
`)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, int64(1), cfg.Env.MachineID)
	assert.Equal(t, 2, cfg.Env.MachineNum)
	assert.Equal(t, 4, cfg.Resource.CPUDeviceNum)
	assert.Equal(t, 2, cfg.VM.MaxInFlightPerStream)
	// Defaults are kept.
	assert.Equal(t, DefaultConfig().VM.InstructionArenaSize, cfg.VM.InstructionArenaSize)
	assert.True(t, cfg.Logging.LogToStderr)

	_, err = ParseConfig("[env]\nmachine_nums = 2\n")
	require.ErrorContains(t, err, "env.machine_nums")

	_, err = ParseConfig("[env\n")
	require.Error(t, err)

	cfg, err = ParseConfig("[env]\nmachine_id = 2\nmachine_num = 2\n")
	require.NoError(t, err)
	require.Error(t, cfg.Validate())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskflow.toml")
	require.NoError(t, os.WriteFile(path, []byte("[env]\ndry_run = true\n"), 0o644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.Env.DryRun)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestSelectRPCBackend(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  EnvConfig
		want RPCBackend
	}{
		{"dry-run", EnvConfig{MachineNum: 4, DryRun: true}, RPCBackendDryRun},
		{"single machine", EnvConfig{MachineNum: 1}, RPCBackendLocal},
		{"single process bootstrap", EnvConfig{MachineNum: 4, CtrlWorldSize: 1}, RPCBackendLocal},
		{"multi machine", EnvConfig{MachineNum: 2}, RPCBackendGRPC},
		{"multi process bootstrap", EnvConfig{MachineNum: 1, CtrlWorldSize: 2}, RPCBackendGRPC},
		{"forced", EnvConfig{MachineNum: 1, RPCBackend: "grpc"}, RPCBackendGRPC},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := SelectRPCBackend(tc.cfg)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
	_, err := SelectRPCBackend(EnvConfig{MachineNum: 1, RPCBackend: "carrier-pigeon"})
	require.Error(t, err)
	_, err = SelectRPCBackend(EnvConfig{MachineNum: 1, RPCBackend: "local", DryRun: true})
	require.Error(t, err)
}

func TestResolveResource(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resource.ProcessesPerNode = 1

	t.Setenv(ompNumThreadsEnvVar, "5")
	r, err := resolveResource(cfg)
	require.NoError(t, err)
	assert.Equal(t, runtime.NumCPU(), r.CPUDeviceNum)
	assert.Equal(t, 5, r.NumThreadsPerCPUDevice)

	t.Setenv(ompNumThreadsEnvVar, "many")
	_, err = resolveResource(cfg)
	require.Error(t, err)

	cfg.Resource.NumThreadsPerCPUDevice = 3
	cfg.Env.CtrlWorldSize = 8
	r, err = resolveResource(cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, r.NumThreadsPerCPUDevice)
	assert.Equal(t, 8, r.MachineNum)
}

func TestNew(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.LogDir = t.TempDir()
	cfg.Resource.NumThreadsPerCPUDevice = 1
	e, err := New(cfg)
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, RPCBackendLocal, e.RPCBackend())
	assert.Equal(t, int64(0), e.MachineID())

	hostname, err := os.Hostname()
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.Logging.LogDir, hostname))
	require.NoError(t, err, "log directory per host should have been created")

	cfg.Env.MachineNum = 0
	_, err = New(cfg)
	require.Error(t, err)
}

func TestIDManager(t *testing.T) {
	ids := NewIDManager(3)
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[int64]bool)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				id := ids.NewTaskID()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 800)
	for id := range seen {
		assert.Equal(t, int64(3), id>>machineIDShift)
	}
	assert.NotEqual(t, NewIDManager(0).NewRegstDescID(), NewIDManager(1).NewRegstDescID())

	name := ids.NewUniqueName("System-Collective-Boxing-Pack-")
	assert.True(t, strings.HasPrefix(name, "System-Collective-Boxing-Pack-"))
	assert.NotEqual(t, name, ids.NewUniqueName("System-Collective-Boxing-Pack-"))
}
