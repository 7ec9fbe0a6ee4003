// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vm

import (
	"maps"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/taskflow/pkg/core/execgraph"
	"github.com/gomlx/taskflow/pkg/core/ops"
	"github.com/pkg/errors"
)

// Kernel executes an instruction on its device. It must not modify the message.
type Kernel func(msg *InstructionMsg) error

// KernelFactory returns the kernel implementing an operator.
type KernelFactory func(kc *ops.KernelConf) (Kernel, error)

// NoOpKernels is a KernelFactory whose kernels do nothing.
func NoOpKernels(*ops.KernelConf) (Kernel, error) {
	return func(*InstructionMsg) error { return nil }, nil
}

// InstructionMsg describes the work of an instruction: the operator and the registers it is bound to.
type InstructionMsg struct {
	Name               string
	KernelConf         *ops.KernelConf
	BnInOp2RegstDescID map[string]int64
	Kernel             Kernel

	// OnRetire, if set, is called with the error of the kernel when the instruction is retired.
	// It is called from the dispatch goroutine of the stream, and must not block.
	OnRetire func(err error)
}

// NewInstructionMsg creates the message executing the exec node with the given kernel.
func NewInstructionMsg(node *execgraph.ExecNodeProto, kernel Kernel) InstructionMsg {
	msg := InstructionMsg{
		KernelConf:         node.KernelConf,
		BnInOp2RegstDescID: maps.Clone(node.BnInOp2RegstDescID),
		Kernel:             kernel,
	}
	if node.KernelConf != nil && node.KernelConf.OpConf != nil {
		msg.Name = node.KernelConf.OpConf.Name
	}
	return msg
}

// runKernel executes the kernel of msg, converting panics to errors.
func runKernel(msg *InstructionMsg) error {
	if msg.Kernel == nil {
		return nil
	}
	var err error
	exception := exceptions.Try(func() { err = msg.Kernel(msg) })
	if exception != nil {
		if e, ok := exception.(error); ok {
			return errors.WithMessagef(e, "kernel %q panicked", msg.Name)
		}
		return errors.Errorf("kernel %q panicked: %v", msg.Name, exception)
	}
	return err
}
