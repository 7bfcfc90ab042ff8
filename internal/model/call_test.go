package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCallStatusTerminal(t *testing.T) {
	t.Parallel()

	terminal := []CallStatus{
		CallStatusCompleted, CallStatusFailed, CallStatusCanceled,
		CallStatusNoAnswer, CallStatusBusy,
	}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "expected %s to be terminal", s)
	}

	live := []CallStatus{
		CallStatusQueued, CallStatusInitiated, CallStatusRinging, CallStatusInProgress,
	}
	for _, s := range live {
		assert.False(t, s.Terminal(), "expected %s to be live", s)
	}
}

func TestLeadCallable(t *testing.T) {
	t.Parallel()

	sid := "CA123"
	t.Run("phone and no sid", func(t *testing.T) {
		t.Parallel()
		l := Lead{Phone: "+15550001111"}
		assert.True(t, l.Callable())
	})

	t.Run("missing phone", func(t *testing.T) {
		t.Parallel()
		l := Lead{}
		assert.False(t, l.Callable())
	})

	t.Run("already contacted", func(t *testing.T) {
		t.Parallel()
		l := Lead{Phone: "+15550001111", CallSID: &sid}
		assert.False(t, l.Callable())
	})
}
