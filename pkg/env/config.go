// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package env

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// ConfigEnvVar names the environment variable with the default configuration file.
const ConfigEnvVar = "TASKFLOW_CONFIG"

// Config of the process, usually read from a TOML file.
type Config struct {
	Env      EnvConfig      `toml:"env"`
	Resource ResourceConfig `toml:"resource"`
	Logging  LoggingConfig  `toml:"logging"`
	VM       VMConfig       `toml:"vm"`
}

// EnvConfig describes the cluster this process is part of.
type EnvConfig struct {
	// MachineID of this process, in [0, MachineNum).
	MachineID int64 `toml:"machine_id"`

	MachineNum int `toml:"machine_num"`

	// CtrlWorldSize is the number of processes bootstrapped by the controller, 0 if there is no
	// controller bootstrap.
	CtrlWorldSize int `toml:"ctrl_world_size"`

	DryRun bool `toml:"dry_run"`

	// RPCBackend forces the RPC backend ("local", "dry-run" or "grpc"). If empty, it's selected from
	// the other values.
	RPCBackend string `toml:"rpc_backend"`
}

// ResourceConfig describes the devices of each machine. Zero values are replaced by defaults.
type ResourceConfig struct {
	CPUDeviceNum           int `toml:"cpu_device_num"`
	GPUDeviceNum           int `toml:"gpu_device_num"`
	NumThreadsPerCPUDevice int `toml:"num_threads_per_cpu_device"`
	ProcessesPerNode       int `toml:"processes_per_node"`
}

// LoggingConfig configures klog.
type LoggingConfig struct {
	// LogDir, if set, is where log files are written, under a subdirectory named after the host.
	LogDir      string `toml:"log_dir"`
	LogToStderr bool   `toml:"logtostderr"`
	Verbosity   int    `toml:"v"`
}

// VMConfig configures the virtual machine executing instructions.
type VMConfig struct {
	// InstructionArenaSize is the initial number of instruction slots of each stream.
	InstructionArenaSize int `toml:"instruction_arena_size"`

	// MaxInFlightPerStream bounds the instructions launched and not yet completed by a device context.
	MaxInFlightPerStream int `toml:"max_in_flight_per_stream"`

	// SubmissionQueueSize is the capacity of the submission channel of each stream.
	SubmissionQueueSize int `toml:"submission_queue_size"`
}

// DefaultConfig returns the configuration of a single process on a single machine.
func DefaultConfig() Config {
	return Config{
		Env: EnvConfig{
			MachineNum: 1,
		},
		Logging: LoggingConfig{
			LogToStderr: true,
		},
		VM: VMConfig{
			InstructionArenaSize: 64,
			MaxInFlightPerStream: 16,
			SubmissionQueueSize:  128,
		},
	}
}

// ParseConfig parses a TOML configuration. Values not set keep their DefaultConfig values.
func ParseConfig(text string) (Config, error) {
	cfg := DefaultConfig()
	meta, err := toml.Decode(text, &cfg)
	if err != nil {
		return Config{}, errors.Wrap(err, "failed to parse configuration")
	}
	return cfg, checkUndecoded(meta)
}

// LoadConfig reads a TOML configuration file. Values not set keep their DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to load configuration from %q", path)
	}
	if err := checkUndecoded(meta); err != nil {
		return Config{}, errors.WithMessagef(err, "configuration %q", path)
	}
	return cfg, nil
}

func checkUndecoded(meta toml.MetaData) error {
	undecoded := meta.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	keys := make([]string, len(undecoded))
	for ii, key := range undecoded {
		keys[ii] = key.String()
	}
	return errors.Errorf("unknown configuration keys: %s", strings.Join(keys, ", "))
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	if c.Env.MachineNum < 1 {
		return errors.Errorf("env.machine_num must be >= 1, got %d", c.Env.MachineNum)
	}
	if c.Env.MachineID < 0 || c.Env.MachineID >= int64(c.Env.MachineNum) {
		return errors.Errorf("env.machine_id=%d out of range for machine_num=%d", c.Env.MachineID, c.Env.MachineNum)
	}
	if c.Env.CtrlWorldSize < 0 {
		return errors.Errorf("env.ctrl_world_size must be >= 0, got %d", c.Env.CtrlWorldSize)
	}
	if c.Env.RPCBackend != "" {
		if _, err := ParseRPCBackend(c.Env.RPCBackend); err != nil {
			return err
		}
	}
	for name, value := range map[string]int{
		"resource.cpu_device_num":             c.Resource.CPUDeviceNum,
		"resource.gpu_device_num":             c.Resource.GPUDeviceNum,
		"resource.num_threads_per_cpu_device": c.Resource.NumThreadsPerCPUDevice,
		"resource.processes_per_node":         c.Resource.ProcessesPerNode,
	} {
		if value < 0 {
			return errors.Errorf("%s must be >= 0, got %d", name, value)
		}
	}
	if c.VM.InstructionArenaSize < 1 || c.VM.MaxInFlightPerStream < 1 || c.VM.SubmissionQueueSize < 0 {
		return errors.Errorf("invalid vm configuration %+v", c.VM)
	}
	return nil
}

// Resource holds the resolved devices of this machine.
type Resource struct {
	MachineNum             int
	CPUDeviceNum           int
	GPUDeviceNum           int
	NumThreadsPerCPUDevice int
}

const (
	// numThreadsReserved is the number of cores left for the scheduling threads when the number of
	// threads per CPU device is not configured.
	numThreadsReserved = 2

	ompNumThreadsEnvVar = "OMP_NUM_THREADS"
)

// resolveResource fills the defaults of the resource configuration.
func resolveResource(cfg Config) (Resource, error) {
	r := Resource{
		MachineNum:             cfg.Env.MachineNum,
		CPUDeviceNum:           cfg.Resource.CPUDeviceNum,
		GPUDeviceNum:           cfg.Resource.GPUDeviceNum,
		NumThreadsPerCPUDevice: cfg.Resource.NumThreadsPerCPUDevice,
	}
	if cfg.Env.CtrlWorldSize > 0 {
		r.MachineNum = cfg.Env.CtrlWorldSize
	}
	if r.CPUDeviceNum == 0 {
		r.CPUDeviceNum = runtime.NumCPU()
	}
	if r.NumThreadsPerCPUDevice == 0 {
		processes := max(cfg.Resource.ProcessesPerNode, 1)
		r.NumThreadsPerCPUDevice = max(runtime.NumCPU()/processes-numThreadsReserved, 1)
		if v, found := os.LookupEnv(ompNumThreadsEnvVar); found {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil || n < 1 {
				return Resource{}, errors.Errorf("invalid %s=%q", ompNumThreadsEnvVar, v)
			}
			r.NumThreadsPerCPUDevice = n
		}
	}
	return r, nil
}
