package reservation

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	all := []Status{StatusPending, StatusCommitted, StatusReleased, StatusExpired}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusCommitted}: true,
		{StatusPending, StatusReleased}:  true,
		{StatusPending, StatusExpired}:   true,
	}

	for _, from := range all {
		for _, to := range all {
			from, to := from, to
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				t.Parallel()
				want := allowed[[2]Status{from, to}]
				assert.Equal(t, want, CanTransition(from, to))
				err := CheckTransition(from, to)
				if want {
					assert.NoError(t, err)
				} else {
					assert.ErrorIs(t, err, ErrNotPending)
				}
			})
		}
	}
}

func TestTerminalStates(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.True(t, StatusCommitted.Terminal())
	assert.True(t, StatusReleased.Terminal())
	assert.True(t, StatusExpired.Terminal())
	assert.False(t, Status("BOGUS").Terminal())
	assert.False(t, Status("BOGUS").Valid())
}

func TestApplyLeavesTerminalUntouched(t *testing.T) {
	now := time.Now()
	r := Reservation{ID: "r1", Status: StatusPending, Amount: 10}

	committed, err := r.Apply(Resolution{Status: StatusCommitted, At: now, TransactionID: "tx1", DestinationPocketID: "q"})
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, committed.Status)
	assert.Equal(t, "tx1", committed.TransactionID)
	assert.Equal(t, StatusPending, r.Status, "receiver must not be modified")

	_, err = committed.Apply(Resolution{Status: StatusReleased, At: now})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotPending))
}

func TestDueAt(t *testing.T) {
	now := time.Now()
	r := Reservation{Status: StatusPending, ExpiresAt: now}
	assert.True(t, r.DueAt(now))
	assert.False(t, r.DueAt(now.Add(-time.Second)))
	r.Status = StatusReleased
	assert.False(t, r.DueAt(now.Add(time.Hour)))
}
