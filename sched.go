package main

import "github.com/google/uuid"

// Executable is one pipeline stage. Execute processes at most one burst and
// returns the number of frames it handled; it must never block.
type Executable interface {
	Execute() uint32
}

// Runnable is a named, scheduled stage.
type Runnable struct {
	UUID  uuid.UUID
	Name  string
	Task  Executable
	ready bool
}

// Ready marks the runnable to be run from the start.
func (r Runnable) Ready() Runnable {
	r.ready = true
	return r
}

// StandaloneScheduler runs a fixed set of stages round-robin on one OS
// thread. There is no preemption; a stage that blocks stalls the whole
// pipeline.
type StandaloneScheduler struct {
	runnables []Runnable
	stop      bool
}

// AddRunnable registers a stage. Stages execute in registration order.
func (s *StandaloneScheduler) AddRunnable(r Runnable) {
	s.runnables = append(s.runnables, r)
}

// SetReady enables every registered stage. Stages added unready stay idle
// until this is called, which lets the controller see all Task
// announcements before traffic starts.
func (s *StandaloneScheduler) SetReady() {
	for i := range s.runnables {
		s.runnables[i].ready = true
	}
}

// Shutdown ends the current pass as soon as the calling stage returns, and
// makes Run return.
func (s *StandaloneScheduler) Shutdown() { s.stop = true }

// RunOnce executes a single round-robin pass over the stages.
func (s *StandaloneScheduler) RunOnce() {
	for i := range s.runnables {
		if s.runnables[i].ready {
			s.runnables[i].Task.Execute()
		}
		if s.stop {
			return
		}
	}
}

// Run loops over the stages until Shutdown is called from within a stage.
func (s *StandaloneScheduler) Run() {
	for !s.stop {
		s.RunOnce()
	}
}
