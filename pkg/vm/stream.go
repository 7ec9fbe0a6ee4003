// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vm

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/taskflow/pkg/core/distributed"
	"github.com/pkg/errors"
)

// InstrList is the list of a stream an instruction belongs to.
type InstrList int

const (
	// InstrListFree holds recycled instruction slots.
	InstrListFree InstrList = iota

	// InstrListRunning holds instructions dispatched to the device and not yet completed.
	InstrListRunning

	// InstrListZombie holds completed instructions not yet retired.
	InstrListZombie

	numInstrLists
)

// String implements fmt.Stringer.
func (l InstrList) String() string {
	switch l {
	case InstrListFree:
		return "free"
	case InstrListRunning:
		return "running"
	case InstrListZombie:
		return "zombie"
	default:
		return "invalid"
	}
}

// InstrStatus is the scheduling state of a running instruction.
type InstrStatus int

const (
	InstrStatusInvalid InstrStatus = iota

	// InstrStatusQueued instructions are allocated, but not yet handed to the device.
	InstrStatusQueued

	// InstrStatusLaunched instructions were handed to the device and are executing.
	InstrStatusLaunched

	// InstrStatusDone instructions completed, successfully or not (see Instruction.Err).
	InstrStatusDone
)

// String implements fmt.Stringer.
func (s InstrStatus) String() string {
	switch s {
	case InstrStatusQueued:
		return "queued"
	case InstrStatusLaunched:
		return "launched"
	case InstrStatusDone:
		return "done"
	default:
		return "invalid"
	}
}

// InstrID identifies an instruction of a stream. It becomes stale when the instruction is deleted,
// even if its slot is reused. The zero value is never a valid id.
type InstrID struct {
	index      int32
	generation uint32
}

// String implements fmt.Stringer.
func (id InstrID) String() string {
	return fmt.Sprintf("%d.%d", id.index, id.generation)
}

// noSlot marks the end of a list.
const noSlot int32 = -1

// Instruction is one execution of a kernel on a stream. It is owned by the Stream that allocated
// it, and its message is read-only once allocated.
type Instruction struct {
	stream *Stream
	id     InstrID
	list   InstrList
	status InstrStatus
	err    error
	msg    InstructionMsg

	prev, next int32
}

// ID of the instruction.
func (instr *Instruction) ID() InstrID { return instr.id }

// Stream owning the instruction.
func (instr *Instruction) Stream() *Stream { return instr.stream }

// List the instruction currently belongs to.
func (instr *Instruction) List() InstrList { return instr.list }

// Status of the instruction.
func (instr *Instruction) Status() InstrStatus { return instr.status }

// Err returns the error of the kernel, once the instruction is done.
func (instr *Instruction) Err() error { return instr.err }

// Msg returns the message the instruction was allocated with. It must not be modified.
func (instr *Instruction) Msg() *InstructionMsg { return &instr.msg }

// String implements fmt.Stringer.
func (instr *Instruction) String() string {
	return fmt.Sprintf("Instruction#%s(%q, %s, %s)", instr.id, instr.msg.Name, instr.list, instr.status)
}

// instrList is an intrusive doubly linked list of slots.
type instrList struct {
	head, tail int32
	size       int
}

// Stream is the instruction arena of one device stream: instructions move from the free list to
// running when allocated, to zombie when done, and back to free when deleted.
//
// A Stream is not safe for concurrent use: its lists are only mutated by the goroutine running its
// dispatch loop (see ThreadCtx).
type Stream struct {
	thrdID      int64
	deviceType  distributed.DeviceType
	deviceIndex int
	role        distributed.StreamRole

	slots []*Instruction
	lists [numInstrLists]instrList
}

// NewStream creates the stream of the device thread thrdID (see distributed.EncodeThrdID), with
// arenaSize preallocated instruction slots.
func NewStream(thrdID int64, arenaSize int) (*Stream, error) {
	deviceType, deviceIndex, role, err := distributed.DecodeThrdID(thrdID)
	if err != nil {
		return nil, err
	}
	if arenaSize < 0 {
		return nil, errors.Errorf("invalid instruction arena size %d", arenaSize)
	}
	s := &Stream{
		thrdID:      thrdID,
		deviceType:  deviceType,
		deviceIndex: deviceIndex,
		role:        role,
		slots:       make([]*Instruction, 0, arenaSize),
	}
	for l := range s.lists {
		s.lists[l] = instrList{head: noSlot, tail: noSlot}
	}
	for range arenaSize {
		s.pushBack(InstrListFree, s.newSlot())
	}
	return s, nil
}

// ThrdID of the stream.
func (s *Stream) ThrdID() int64 { return s.thrdID }

// DeviceType of the stream.
func (s *Stream) DeviceType() distributed.DeviceType { return s.deviceType }

// DeviceIndex of the stream.
func (s *Stream) DeviceIndex() int { return s.deviceIndex }

// Role of the stream.
func (s *Stream) Role() distributed.StreamRole { return s.role }

// String implements fmt.Stringer.
func (s *Stream) String() string {
	return fmt.Sprintf("Stream(%s:%d, %s)", s.deviceType, s.deviceIndex, s.role)
}

// NumFree returns the number of recycled slots.
func (s *Stream) NumFree() int { return s.lists[InstrListFree].size }

// NumRunning returns the number of instructions allocated and not yet done.
func (s *Stream) NumRunning() int { return s.lists[InstrListRunning].size }

// NumZombie returns the number of instructions done and not yet deleted.
func (s *Stream) NumZombie() int { return s.lists[InstrListZombie].size }

// Capacity returns the number of instruction slots of the arena.
func (s *Stream) Capacity() int { return len(s.slots) }

func (s *Stream) newSlot() *Instruction {
	instr := &Instruction{
		stream: s,
		id:     InstrID{index: int32(len(s.slots)), generation: 1},
		list:   InstrListFree,
		prev:   noSlot,
		next:   noSlot,
	}
	s.slots = append(s.slots, instr)
	return instr
}

func (s *Stream) pushBack(l InstrList, instr *Instruction) {
	list := &s.lists[l]
	instr.list = l
	instr.prev, instr.next = list.tail, noSlot
	if list.tail == noSlot {
		list.head = instr.id.index
	} else {
		s.slots[list.tail].next = instr.id.index
	}
	list.tail = instr.id.index
	list.size++
}

func (s *Stream) unlink(instr *Instruction) {
	list := &s.lists[instr.list]
	if instr.prev == noSlot {
		list.head = instr.next
	} else {
		s.slots[instr.prev].next = instr.next
	}
	if instr.next == noSlot {
		list.tail = instr.prev
	} else {
		s.slots[instr.next].prev = instr.prev
	}
	instr.prev, instr.next = noSlot, noSlot
	list.size--
}

func (s *Stream) move(instr *Instruction, to InstrList) {
	s.unlink(instr)
	s.pushBack(to, instr)
}

// mustOwn panics if instr doesn't belong to this stream, or was deleted.
func (s *Stream) mustOwn(method string, instr *Instruction) {
	if instr == nil || instr.stream != s {
		exceptions.Panicf("%s.%s(): instruction %v is not owned by this stream", s, method, instr)
	}
}

// NewInstruction allocates an instruction for msg, reusing a free slot if available, and places it
// in the running list with status queued. It never blocks.
func (s *Stream) NewInstruction(msg InstructionMsg) *Instruction {
	var instr *Instruction
	if free := s.lists[InstrListFree].head; free != noSlot {
		instr = s.slots[free]
		s.move(instr, InstrListRunning)
	} else {
		instr = s.newSlot()
		s.pushBack(InstrListRunning, instr)
	}
	instr.msg = msg
	instr.status = InstrStatusQueued
	instr.err = nil
	return instr
}

// MarkLaunched records that a queued instruction was handed to the device.
func (s *Stream) MarkLaunched(instr *Instruction) {
	s.mustOwn("MarkLaunched", instr)
	if instr.list != InstrListRunning || instr.status != InstrStatusQueued {
		exceptions.Panicf("%s.MarkLaunched(): %s is not queued", s, instr)
	}
	instr.status = InstrStatusLaunched
}

// MarkDone moves a running instruction to the zombie list, recording the error of its kernel.
func (s *Stream) MarkDone(instr *Instruction, err error) {
	s.mustOwn("MarkDone", instr)
	if instr.list != InstrListRunning {
		exceptions.Panicf("%s.MarkDone(): %s is not running", s, instr)
	}
	instr.status = InstrStatusDone
	instr.err = err
	s.move(instr, InstrListZombie)
}

// DeleteInstruction moves a zombie instruction to the free list, invalidating its id.
// Deleting an instruction that is not a zombie is a bug, and it panics.
func (s *Stream) DeleteInstruction(instr *Instruction) {
	s.mustOwn("DeleteInstruction", instr)
	if instr.list != InstrListZombie {
		exceptions.Panicf("%s.DeleteInstruction(): %s is not a zombie, it must complete first", s, instr)
	}
	s.move(instr, InstrListFree)
	instr.id.generation++
	instr.status = InstrStatusInvalid
	instr.msg = InstructionMsg{}
	instr.err = nil
}

// MoveFromZombieListToFreeList retires all zombie instructions, in order of completion, calling
// retire (if not nil) for each before it is deleted. It returns the number of retired instructions.
func (s *Stream) MoveFromZombieListToFreeList(retire func(instr *Instruction)) int {
	count := 0
	for s.lists[InstrListZombie].head != noSlot {
		instr := s.slots[s.lists[InstrListZombie].head]
		if retire != nil {
			retire(instr)
		}
		s.DeleteInstruction(instr)
		count++
	}
	return count
}

// Instruction returns the instruction with the given id, or nil if the id is stale or unknown.
func (s *Stream) Instruction(id InstrID) *Instruction {
	if id.index < 0 || int(id.index) >= len(s.slots) {
		return nil
	}
	instr := s.slots[id.index]
	if instr.id != id || instr.list == InstrListFree {
		return nil
	}
	return instr
}
