// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package taskgraph

import (
	"fmt"

	"github.com/gomlx/taskflow/pkg/core/regst"
	"github.com/pkg/errors"
)

// TaskEdge connects a producer task to a consumer task, carrying named registers of the producer.
type TaskEdge struct {
	src, dst *TaskNode

	names  []string
	regsts map[string]*regst.Desc
}

// Src returns the producer task.
func (e *TaskEdge) Src() *TaskNode { return e.src }

// Dst returns the consumer task.
func (e *TaskEdge) Dst() *TaskNode { return e.dst }

// String implements fmt.Stringer.
func (e *TaskEdge) String() string {
	return fmt.Sprintf("TaskEdge(%s -> %s)", e.src, e.dst)
}

// AddRegst adds a register of the producer to the edge.
func (e *TaskEdge) AddRegst(name string, r *regst.Desc) error {
	if r == nil {
		return errors.Wrapf(ErrConstruction, "%s: adding nil register %q", e, name)
	}
	if _, found := e.regsts[name]; found {
		return errors.Wrapf(ErrConstruction, "%s: register %q already added", e, name)
	}
	e.names = append(e.names, name)
	e.regsts[name] = r
	return nil
}

// GetRegst returns the register of the given name, or nil.
func (e *TaskEdge) GetRegst(name string) *regst.Desc { return e.regsts[name] }

// GetSoleRegst returns the only register of the edge. It fails if the edge has zero or more than one.
func (e *TaskEdge) GetSoleRegst() (*regst.Desc, error) {
	if len(e.names) != 1 {
		return nil, errors.Wrapf(ErrConstruction, "%s has %d registers %v, expected exactly one", e, len(e.names), e.names)
	}
	return e.regsts[e.names[0]], nil
}

// RegstNames returns the names of the registers, in order of addition.
func (e *TaskEdge) RegstNames() []string {
	names := make([]string, len(e.names))
	copy(names, e.names)
	return names
}

// removeRegst removes the register with the given id, if present.
func (e *TaskEdge) removeRegst(id int64) {
	for ii, name := range e.names {
		if e.regsts[name].ID() == id {
			delete(e.regsts, name)
			e.names = append(e.names[:ii], e.names[ii+1:]...)
			return
		}
	}
}
