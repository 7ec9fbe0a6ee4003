// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package env

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// machineIDShift is the position of the machine id in task and register ids: ids generated by
// different machines never collide.
const machineIDShift = 40

// IDManager generates the ids of tasks and registers of one machine. It is safe for concurrent use.
type IDManager struct {
	machineID               int64
	lastTaskID, lastRegstID atomic.Int64
}

// NewIDManager creates an IDManager for the given machine.
func NewIDManager(machineID int64) *IDManager {
	return &IDManager{machineID: machineID}
}

// NewTaskID returns a new task id, unique in the job.
func (m *IDManager) NewTaskID() int64 {
	return m.machineID<<machineIDShift | m.lastTaskID.Add(1)
}

// NewRegstDescID returns a new register descriptor id, unique in the job.
func (m *IDManager) NewRegstDescID() int64 {
	return m.machineID<<machineIDShift | m.lastRegstID.Add(1)
}

// NewUniqueName appends a unique suffix to the prefix.
func (m *IDManager) NewUniqueName(prefix string) string {
	return prefix + uuid.NewString()
}
