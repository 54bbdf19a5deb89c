package ledger

import (
	"fmt"
	"path/filepath"
	"testing"

	"raffle/internal/models"
	"raffle/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *store.Store {
	s, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func user(i int) models.Address {
	return models.MustAddress(fmt.Sprintf("0x%040x", i+1))
}

func TestLedger_EmptyStore(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.View(func(tx *store.Tx) error {
		l := New(tx)
		ok, err := l.Initialized()
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = l.Config()
		assert.ErrorIs(t, err, models.ErrConfigNotFound)
		_, err = l.Admin()
		assert.ErrorIs(t, err, models.ErrAdminNotFound)
		_, err = l.CurrentRound()
		assert.ErrorIs(t, err, models.ErrRoundNotFound)
		_, err = l.Stats(1)
		assert.ErrorIs(t, err, models.ErrRoundStatsNotFound)
		return nil
	}))
}

func TestLedger_CreateNewRound(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Update(func(tx *store.Tx) error {
		l := New(tx)
		for want := uint32(1); want <= 3; want++ {
			got, err := l.CreateNewRound()
			require.NoError(t, err)
			require.Equal(t, want, got)
		}
		return nil
	}))

	require.NoError(t, s.View(func(tx *store.Tx) error {
		l := New(tx)
		total, err := l.TotalRounds()
		require.NoError(t, err)
		assert.EqualValues(t, 3, total)

		r, err := l.CurrentRound()
		require.NoError(t, err)
		assert.Equal(t, models.Round{Number: 3, State: models.StateOpen}, r)

		st, err := l.Stats(3)
		require.NoError(t, err)
		assert.Equal(t, models.RoundStats{}, st)
		return nil
	}))
}

func TestLedger_ParticipantBuckets(t *testing.T) {
	s := openStore(t)
	const n = 2*BucketSize + 17

	require.NoError(t, s.Update(func(tx *store.Tx) error {
		l := New(tx)
		round, err := l.CreateNewRound()
		require.NoError(t, err)
		for i := 0; i < n; i++ {
			count, err := l.AddParticipant(round, user(i))
			require.NoError(t, err)
			require.EqualValues(t, i+1, count)
			require.NoError(t, l.SetUserTickets(round, user(i), uint32(i%3+1)))
		}
		return nil
	}))

	require.NoError(t, s.View(func(tx *store.Tx) error {
		l := New(tx)
		for idx, want := range []int{BucketSize, BucketSize, 17, 0} {
			b, err := l.Bucket(1, uint32(idx))
			require.NoError(t, err)
			assert.Len(t, b.Participants, want, "bucket %d", idx)
		}

		all, err := l.Participants(1)
		require.NoError(t, err)
		require.Len(t, all, n)
		for i, p := range all {
			require.Equal(t, user(i), p)
		}

		var seen int
		err = l.Holders(1).Walk(func(p models.Address, tickets uint32) (bool, error) {
			require.Equal(t, user(seen), p)
			require.EqualValues(t, seen%3+1, tickets)
			seen++
			return false, nil
		})
		require.NoError(t, err)
		assert.Equal(t, n, seen)
		return nil
	}))
}

func TestLedger_WinnerRecords(t *testing.T) {
	s := openStore(t)
	winner := user(0)

	require.NoError(t, s.Update(func(tx *store.Tx) error {
		l := New(tx)
		require.NoError(t, l.CreateWinnerRecord(models.WinnerRecord{Round: 1, Winner: winner, Amount: 10}))
		require.NoError(t, l.CreateWinnerRecord(models.WinnerRecord{Round: 4, Winner: winner, Amount: 40}))

		err := l.CreateWinnerRecord(models.WinnerRecord{Round: 1, Winner: user(1), Amount: 10})
		assert.ErrorIs(t, err, models.ErrInvalidState)

		require.NoError(t, l.MarkClaimed(1))
		assert.ErrorIs(t, l.MarkClaimed(2), models.ErrWinnerNotFound)
		return nil
	}))

	require.NoError(t, s.View(func(tx *store.Tx) error {
		l := New(tx)
		rounds, err := l.WinningRounds(winner)
		require.NoError(t, err)
		assert.Equal(t, []uint32{1, 4}, rounds, "claiming must not re-append")

		rec, ok, err := l.WinnerRecord(1)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, rec.Claimed)

		_, ok, err = l.WinnerRecord(2)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}
