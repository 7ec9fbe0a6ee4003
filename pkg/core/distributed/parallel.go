// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed describes how blobs and work are laid out across machines and devices: the
// placement of an operator (ParallelDesc), the partitioning descriptor of a blob (SbpParallel, NdSbp)
// and the conversion from logical to physical (per-device) shapes.
package distributed

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/taskflow/pkg/support/sets"
	"github.com/pkg/errors"
)

// DeviceType of a placement.
type DeviceType int

const (
	DeviceTypeInvalid DeviceType = iota
	DeviceTypeCPU
	DeviceTypeCUDA
)

// String returns the device tag used in operator confs: "cpu" or "cuda".
func (d DeviceType) String() string {
	switch d {
	case DeviceTypeCPU:
		return "cpu"
	case DeviceTypeCUDA:
		return "cuda"
	default:
		return "invalid"
	}
}

// ParseDeviceType parses a device tag.
func ParseDeviceType(tag string) (DeviceType, error) {
	switch strings.ToLower(tag) {
	case "cpu":
		return DeviceTypeCPU, nil
	case "cuda", "gpu":
		return DeviceTypeCUDA, nil
	}
	return DeviceTypeInvalid, errors.Errorf("unknown device tag %q", tag)
}

// ParallelDesc is the placement of an operator (or blob): the devices of each machine participating,
// organized in a hierarchy (one or more axes) whose product is the number of participants.
//
// Participants are numbered by their "parallel id", in order of machine id and then device id.
type ParallelDesc struct {
	deviceType DeviceType

	// machineIDs is sorted.
	machineIDs []int64

	// machineToDevices maps each machine to its sorted device ids.
	machineToDevices map[int64][]int64

	// hierarchy defines the number of participants along each axis.
	hierarchy []int

	parallelNum int

	// parallelIDToDevice maps each parallel id to its (machine id, device id).
	parallelIDToDevice [][2]int64
}

// NewParallelDesc creates a placement over the given devices of each machine.
//
// If hierarchy is empty, a 1D hierarchy with all participants is used. Otherwise, the product of the
// hierarchy must equal the total number of devices.
func NewParallelDesc(deviceType DeviceType, machineToDevices map[int64][]int64, hierarchy ...int) (*ParallelDesc, error) {
	if deviceType == DeviceTypeInvalid {
		return nil, errors.New("ParallelDesc requires a valid device type")
	}
	if len(machineToDevices) == 0 {
		return nil, errors.New("ParallelDesc requires at least one machine")
	}
	p := &ParallelDesc{
		deviceType:       deviceType,
		machineToDevices: make(map[int64][]int64, len(machineToDevices)),
	}
	for machineID, devices := range machineToDevices {
		if machineID < 0 {
			return nil, errors.Errorf("ParallelDesc: invalid machine id %d", machineID)
		}
		if len(devices) == 0 {
			return nil, errors.Errorf("ParallelDesc: machine %d has no devices", machineID)
		}
		seen := sets.Make[int64](len(devices))
		for _, device := range devices {
			if device < 0 {
				return nil, errors.Errorf("ParallelDesc: invalid device id %d for machine %d", device, machineID)
			}
			if seen.Has(device) {
				return nil, errors.Errorf("ParallelDesc: device %d of machine %d is duplicated", device, machineID)
			}
			seen.Insert(device)
		}
		sorted := slices.Clone(devices)
		slices.Sort(sorted)
		p.machineToDevices[machineID] = sorted
		p.machineIDs = append(p.machineIDs, machineID)
	}
	slices.Sort(p.machineIDs)
	for _, machineID := range p.machineIDs {
		for _, device := range p.machineToDevices[machineID] {
			p.parallelIDToDevice = append(p.parallelIDToDevice, [2]int64{machineID, device})
		}
	}
	p.parallelNum = len(p.parallelIDToDevice)

	if len(hierarchy) == 0 {
		p.hierarchy = []int{p.parallelNum}
	} else {
		size := 1
		for axis, dim := range hierarchy {
			if dim <= 0 {
				return nil, errors.Errorf("ParallelDesc: hierarchy axis #%d has invalid size %d", axis, dim)
			}
			size *= dim
		}
		if size != p.parallelNum {
			return nil, errors.Errorf("ParallelDesc: hierarchy %v has %d participants, but %d devices were given",
				hierarchy, size, p.parallelNum)
		}
		p.hierarchy = slices.Clone(hierarchy)
	}
	return p, nil
}

// ParseParallelDesc parses a placement given as a device tag and a list of "machine:devices" entries,
// where devices is either a single id or an inclusive range "begin-end". E.g.:
//
//	pd, err := ParseParallelDesc("cuda", []string{"0:0-3", "1:0-3"}, 2, 4)
func ParseParallelDesc(deviceTag string, deviceNames []string, hierarchy ...int) (*ParallelDesc, error) {
	deviceType, err := ParseDeviceType(deviceTag)
	if err != nil {
		return nil, err
	}
	machineToDevices := make(map[int64][]int64)
	for _, name := range deviceNames {
		machineStr, devicesStr, found := strings.Cut(name, ":")
		if !found {
			return nil, errors.Errorf("invalid device name %q, expected \"machine:devices\"", name)
		}
		machineID, err := strconv.ParseInt(machineStr, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid machine id in device name %q", name)
		}
		beginStr, endStr, isRange := strings.Cut(devicesStr, "-")
		begin, err := strconv.ParseInt(beginStr, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid device id in device name %q", name)
		}
		end := begin
		if isRange {
			end, err = strconv.ParseInt(endStr, 10, 64)
			if err != nil || end < begin {
				return nil, errors.Errorf("invalid device range in device name %q", name)
			}
		}
		for device := begin; device <= end; device++ {
			machineToDevices[machineID] = append(machineToDevices[machineID], device)
		}
	}
	return NewParallelDesc(deviceType, machineToDevices, hierarchy...)
}

// DeviceType of the placement.
func (p *ParallelDesc) DeviceType() DeviceType { return p.deviceType }

// ParallelNum is the total number of participants.
func (p *ParallelDesc) ParallelNum() int { return p.parallelNum }

// Hierarchy returns a copy of the hierarchy sizes.
func (p *ParallelDesc) Hierarchy() []int { return slices.Clone(p.hierarchy) }

// SortedMachineIDs returns a copy of the machine ids, sorted.
func (p *ParallelDesc) SortedMachineIDs() []int64 { return slices.Clone(p.machineIDs) }

// DeviceIDs4Machine returns a copy of the sorted device ids of a machine, or nil if the machine is not
// part of the placement.
func (p *ParallelDesc) DeviceIDs4Machine(machineID int64) []int64 {
	return slices.Clone(p.machineToDevices[machineID])
}

// ParallelID4MachineDeviceID returns the parallel id of the given device.
func (p *ParallelDesc) ParallelID4MachineDeviceID(machineID, deviceID int64) (int, error) {
	for parallelID, md := range p.parallelIDToDevice {
		if md[0] == machineID && md[1] == deviceID {
			return parallelID, nil
		}
	}
	return 0, errors.Errorf("device %d:%d is not part of %s", machineID, deviceID, p)
}

// MachineDeviceID4ParallelID returns the (machine id, device id) of the given participant.
func (p *ParallelDesc) MachineDeviceID4ParallelID(parallelID int) (machineID, deviceID int64, err error) {
	if parallelID < 0 || parallelID >= p.parallelNum {
		return 0, 0, errors.Errorf("parallel id %d out of range for %s", parallelID, p)
	}
	md := p.parallelIDToDevice[parallelID]
	return md[0], md[1], nil
}

// HierarchyIndex converts a parallel id into its per-axis index in the hierarchy, in row-major order.
func (p *ParallelDesc) HierarchyIndex(parallelID int) []int {
	indices := make([]int, len(p.hierarchy))
	remaining := parallelID
	for i := len(p.hierarchy) - 1; i >= 0; i-- {
		indices[i] = remaining % p.hierarchy[i]
		remaining /= p.hierarchy[i]
	}
	return indices
}

// Equal returns whether both describe the same placement.
func (p *ParallelDesc) Equal(other *ParallelDesc) bool {
	if p == nil || other == nil {
		return p == other
	}
	if p.deviceType != other.deviceType || !slices.Equal(p.hierarchy, other.hierarchy) ||
		!slices.Equal(p.machineIDs, other.machineIDs) {
		return false
	}
	for _, machineID := range p.machineIDs {
		if !slices.Equal(p.machineToDevices[machineID], other.machineToDevices[machineID]) {
			return false
		}
	}
	return true
}

// String implements the fmt.Stringer interface.
func (p *ParallelDesc) String() string {
	var sb strings.Builder
	sb.WriteString("ParallelDesc(")
	sb.WriteString(p.deviceType.String())
	sb.WriteString(", {")
	for i, machineID := range p.machineIDs {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%d: %v", machineID, p.machineToDevices[machineID])
	}
	_, _ = fmt.Fprintf(&sb, "}, hierarchy=%v)", p.hierarchy)
	return sb.String()
}

// MaxParallelNum is the largest number of participants of a placement or a collective.
const MaxParallelNum = 1 << 20

// ParallelContext identifies one participant among ParallelNum.
type ParallelContext struct {
	ParallelID  int
	ParallelNum int
}

// Validate checks the id is in range.
func (c ParallelContext) Validate() error {
	if c.ParallelNum <= 0 || c.ParallelNum > MaxParallelNum || c.ParallelID < 0 || c.ParallelID >= c.ParallelNum {
		return errors.Errorf("invalid ParallelContext{id=%d, num=%d}", c.ParallelID, c.ParallelNum)
	}
	return nil
}
