package upload

import (
	"fmt"
	"strings"
)

// State is the step an upload attempt is in.
type State string

const (
	StateIdle          State = "idle"
	StateHashingFile   State = "hashing-file"
	StateSessionInit   State = "session-init"
	StateSessionResume State = "session-resume"
	StateHashingChunks State = "hashing-chunks"
	StateUploading     State = "uploading"
	StateCompleting    State = "completing"
	StateDone          State = "done"
	StateFailed        State = "failed"
	StateAborted       State = "aborted"
)

var transitions = map[State][]State{
	StateIdle:          {StateHashingFile},
	StateHashingFile:   {StateSessionInit, StateSessionResume, StateFailed},
	StateSessionInit:   {StateHashingChunks, StateFailed},
	StateSessionResume: {StateHashingChunks, StateFailed},
	StateHashingChunks: {StateUploading, StateFailed},
	StateUploading:     {StateCompleting, StateFailed, StateAborted},
	StateCompleting:    {StateDone, StateFailed},
}

// Terminal reports whether no transition leaves the state.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether an attempt may move from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// machine holds the state of one attempt and reports every change to the observer.
type machine struct {
	current  State
	observer Observer
	history  []State
}

func newMachine(observer Observer) *machine {
	return &machine{current: StateIdle, observer: observer, history: []State{StateIdle}}
}

func (m *machine) to(next State) error {
	if !m.current.CanTransition(next) {
		return fmt.Errorf("invalid upload state transition: %s -> %s", m.current, next)
	}
	m.current = next
	m.history = append(m.history, next)
	if m.observer != nil {
		m.observer.OnState(next)
	}
	return nil
}

// path returns the states the attempt went through, like "idle -> hashing-file".
func (m *machine) path() string {
	states := make([]string, 0, len(m.history))
	for _, state := range m.history {
		states = append(states, string(state))
	}
	return strings.Join(states, " -> ")
}
