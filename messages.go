package main

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/monasticacademy/flowgen/pkg/cmanager"
)

// PipelineId identifies one per-(core, rxq) pipeline in all control messages.
type PipelineId struct {
	Core   uint16
	PortID uint16
	RxQ    uint16
}

func (p PipelineId) String() string {
	return fmt.Sprintf("<c%d, rx%d>", p.Core, p.RxQ)
}

// TaskType tags a scheduled stage in Task announcements.
type TaskType int

const (
	TaskTCPGenerator TaskType = iota
	TaskPipe2Kni
	TaskPipe2Pci
	TaskKniBridge
)

func (t TaskType) String() string {
	switch t {
	case TaskTCPGenerator:
		return "TcpGenerator"
	case TaskPipe2Kni:
		return "Pipe2Kni"
	case TaskPipe2Pci:
		return "Pipe2Pci"
	case TaskKniBridge:
		return "KniBridge"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// MessageFrom is a message from a pipeline to the controller. Messages from
// one pipeline arrive in the order they were sent.
type MessageFrom interface{ messageFrom() }

// ChannelMsg registers the reverse channel of a freshly started pipeline.
type ChannelMsg struct {
	Pipeline PipelineId
	Back     chan<- MessageTo
}

// TaskMsg announces a scheduled stage for lifecycle control.
type TaskMsg struct {
	Pipeline PipelineId
	UUID     uuid.UUID
	Task     TaskType
}

// EstablishedMsg is emitted once when both half-connections reach
// Established.
type EstablishedMsg struct {
	Record cmanager.ConnectionRecord
}

// CRecordMsg carries the sealed record of a released connection.
type CRecordMsg struct {
	Record cmanager.ConnectionRecord
}

// GenTimeStampMsg is emitted every 1024 generated SYNs.
type GenTimeStampMsg struct {
	Pipeline PipelineId
	Counter  uint64
	Tsc      uint64
}

// PrintPerformanceMsg asks the controller to report performance for the
// given cores; emitted every 8192 generated SYNs.
type PrintPerformanceMsg struct {
	Cores []int
}

func (ChannelMsg) messageFrom()          {}
func (TaskMsg) messageFrom()             {}
func (EstablishedMsg) messageFrom()      {}
func (CRecordMsg) messageFrom()          {}
func (GenTimeStampMsg) messageFrom()     {}
func (PrintPerformanceMsg) messageFrom() {}

// MessageTo is a message from the controller to a pipeline. Pipelines drain
// their reverse channel at the tick stage, between bursts.
type MessageTo interface{ messageTo() }

// ExitMsg tells a pipeline to flush outstanding connection records and shut
// down.
type ExitMsg struct{}

func (ExitMsg) messageTo() {}
