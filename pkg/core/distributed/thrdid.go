// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import "github.com/pkg/errors"

// StreamRole is the kind of work a device stream does. Each device has at most one stream per role.
type StreamRole int

const (
	StreamRoleInvalid StreamRole = iota
	StreamRoleCompute
	StreamRoleHost2Device
	StreamRoleDevice2Host
	StreamRoleTransport
	StreamRoleBarrier

	// StreamRoleLast is not a valid role, it's used for iteration.
	StreamRoleLast
)

// String implements fmt.Stringer.
func (r StreamRole) String() string {
	switch r {
	case StreamRoleCompute:
		return "compute"
	case StreamRoleHost2Device:
		return "host2device"
	case StreamRoleDevice2Host:
		return "device2host"
	case StreamRoleTransport:
		return "transport"
	case StreamRoleBarrier:
		return "barrier"
	default:
		return "invalid"
	}
}

// Bit layout of a thread id: | device type (8) | device index (16) | stream role (8) |.
const (
	thrdIDRoleBits        = 8
	thrdIDDeviceIndexBits = 16
	thrdIDDeviceTypeBits  = 8
)

// EncodeThrdID packs the device type, device index and stream role of a task's thread into an int64.
//
// The thread id of a task node selects the device stream its instructions are dispatched to.
func EncodeThrdID(deviceType DeviceType, deviceIndex int, role StreamRole) (int64, error) {
	if deviceType <= DeviceTypeInvalid || int(deviceType) >= 1<<thrdIDDeviceTypeBits {
		return 0, errors.Errorf("invalid device type %d for thread id", int(deviceType))
	}
	if deviceIndex < 0 || deviceIndex >= 1<<thrdIDDeviceIndexBits {
		return 0, errors.Errorf("device index %d out of range for thread id", deviceIndex)
	}
	if role <= StreamRoleInvalid || role >= StreamRoleLast {
		return 0, errors.Errorf("invalid stream role %d for thread id", int(role))
	}
	id := int64(deviceType)
	id = id<<thrdIDDeviceIndexBits | int64(deviceIndex)
	id = id<<thrdIDRoleBits | int64(role)
	return id, nil
}

// DecodeThrdID is the inverse of EncodeThrdID.
func DecodeThrdID(thrdID int64) (deviceType DeviceType, deviceIndex int, role StreamRole, err error) {
	if thrdID < 0 {
		err = errors.Errorf("invalid thread id %d", thrdID)
		return
	}
	role = StreamRole(thrdID & (1<<thrdIDRoleBits - 1))
	deviceIndex = int(thrdID >> thrdIDRoleBits & (1<<thrdIDDeviceIndexBits - 1))
	deviceType = DeviceType(thrdID >> (thrdIDRoleBits + thrdIDDeviceIndexBits))
	if role <= StreamRoleInvalid || role >= StreamRoleLast || deviceType <= DeviceTypeInvalid || deviceType > DeviceTypeCUDA {
		err = errors.Errorf("thread id %d does not encode a valid device stream", thrdID)
	}
	return
}
