package upload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_CanTransition(t *testing.T) {
	tests := []struct {
		from State
		to   State
		want bool
	}{
		{StateIdle, StateHashingFile, true},
		{StateIdle, StateFailed, false},
		{StateHashingFile, StateSessionInit, true},
		{StateHashingFile, StateSessionResume, true},
		{StateHashingFile, StateUploading, false},
		{StateSessionInit, StateHashingChunks, true},
		{StateSessionResume, StateHashingChunks, true},
		{StateHashingChunks, StateUploading, true},
		{StateHashingChunks, StateAborted, false},
		{StateUploading, StateCompleting, true},
		{StateUploading, StateAborted, true},
		{StateUploading, StateFailed, true},
		{StateCompleting, StateDone, true},
		{StateCompleting, StateAborted, false},
		{StateDone, StateFailed, false},
		{StateFailed, StateHashingFile, false},
		{StateAborted, StateUploading, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestState_Terminal(t *testing.T) {
	for _, s := range []State{StateDone, StateFailed, StateAborted} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []State{StateIdle, StateHashingFile, StateUploading, StateCompleting} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestMachine_RejectsInvalidTransition(t *testing.T) {
	observer := &recordingObserver{}
	m := newMachine(observer)

	require.NoError(t, m.to(StateHashingFile))
	err := m.to(StateCompleting)
	require.Error(t, err)
	assert.Equal(t, StateHashingFile, m.current)
	assert.Equal(t, []State{StateHashingFile}, observer.states)
	assert.Equal(t, []State{StateIdle, StateHashingFile}, m.history)
	assert.Equal(t, "idle -> hashing-file", m.path())
}
