package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type item struct {
	Name  string
	Count uint32
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func openTest(t *testing.T) (*Store, *clock) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), &Options{Now: c.now})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, c
}

func TestStore_PutGet(t *testing.T) {
	s, _ := openTest(t)

	require.NoError(t, s.Update(func(tx *Tx) error {
		return tx.Put(Persistent, "a", &item{Name: "alice", Count: 2})
	}))

	var got item
	require.NoError(t, s.View(func(tx *Tx) error {
		ok, err := tx.Get(Persistent, "a", &got)
		require.True(t, ok)
		return err
	}))
	require.Equal(t, item{Name: "alice", Count: 2}, got)

	require.NoError(t, s.View(func(tx *Tx) error {
		ok, err := tx.Get(Instance, "a", &got)
		require.False(t, ok, "classes are separate")
		return err
	}))
}

func TestStore_UpdateRollsBack(t *testing.T) {
	s, _ := openTest(t)
	boom := errors.New("boom")

	err := s.Update(func(tx *Tx) error {
		require.NoError(t, tx.Put(Persistent, "a", &item{Name: "alice"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.View(func(tx *Tx) error {
		ok, err := tx.Get(Persistent, "a", &item{})
		require.False(t, ok)
		return err
	}))
}

func TestStore_ViewRejectsWrites(t *testing.T) {
	s, _ := openTest(t)
	err := s.View(func(tx *Tx) error {
		return tx.Put(Persistent, "a", &item{})
	})
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestStore_Nested(t *testing.T) {
	s, _ := openTest(t)

	require.NoError(t, s.Update(func(tx *Tx) error {
		require.NoError(t, tx.Put(Persistent, "outer", &item{Name: "outer"}))

		child := tx.Nest()
		var got item
		ok, err := child.Get(Persistent, "outer", &got)
		require.NoError(t, err)
		require.True(t, ok, "child sees parent writes")
		require.NoError(t, child.Put(Persistent, "kept", &item{Name: "kept"}))
		child.Merge()

		dropped := tx.Nest()
		require.NoError(t, dropped.Put(Persistent, "dropped", &item{Name: "dropped"}))

		ok, err = tx.Get(Persistent, "dropped", &got)
		require.NoError(t, err)
		require.False(t, ok, "unmerged child writes stay private")
		return nil
	}))

	require.NoError(t, s.View(func(tx *Tx) error {
		for key, want := range map[string]bool{"outer": true, "kept": true, "dropped": false} {
			ok, err := tx.Get(Persistent, key, &item{})
			require.NoError(t, err)
			require.Equal(t, want, ok, key)
		}
		return nil
	}))
}

func TestStore_Expiry(t *testing.T) {
	s, c := openTest(t)

	require.NoError(t, s.Update(func(tx *Tx) error {
		return tx.Put(Instance, "cfg", &item{Name: "cfg"})
	}))

	t.Run("renewed below threshold", func(t *testing.T) {
		c.t = c.t.Add(2 * day)
		require.NoError(t, s.Update(func(tx *Tx) error {
			ok, err := tx.Extend(Instance, "cfg")
			require.True(t, ok)
			return err
		}))
		require.NoError(t, s.View(func(tx *Tx) error {
			exp, ok, err := tx.ExpiresAt(Instance, "cfg")
			require.True(t, ok)
			require.Equal(t, c.t.Add(DefaultInstanceTTL.Bump).Unix(), exp.Unix())
			return err
		}))
	})

	t.Run("views do not renew", func(t *testing.T) {
		c.t = c.t.Add(5 * day)
		var before time.Time
		require.NoError(t, s.View(func(tx *Tx) error {
			var err error
			_, err = tx.Get(Instance, "cfg", &item{})
			before, _, _ = tx.ExpiresAt(Instance, "cfg")
			return err
		}))
		require.NoError(t, s.View(func(tx *Tx) error {
			after, _, err := tx.ExpiresAt(Instance, "cfg")
			require.Equal(t, before, after)
			return err
		}))
	})

	t.Run("archived entries still read and are restored", func(t *testing.T) {
		c.t = c.t.Add(31 * day)
		require.NoError(t, s.View(func(tx *Tx) error {
			var got item
			ok, err := tx.Get(Instance, "cfg", &got)
			require.True(t, ok)
			require.Equal(t, "cfg", got.Name)
			exp, _, _ := tx.ExpiresAt(Instance, "cfg")
			require.False(t, exp.After(c.t), "archived")
			return err
		}))
		n, err := s.Restore()
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.NoError(t, s.View(func(tx *Tx) error {
			exp, ok, err := tx.ExpiresAt(Instance, "cfg")
			require.True(t, ok)
			require.Equal(t, c.t.Add(DefaultInstanceTTL.Bump).Unix(), exp.Unix())
			return err
		}))

		n, err = s.Restore()
		require.NoError(t, err)
		require.Zero(t, n, "nothing left to restore")
	})
}

func TestStore_IdleYearKeepsEverything(t *testing.T) {
	s, c := openTest(t)

	require.NoError(t, s.Update(func(tx *Tx) error {
		require.NoError(t, tx.Put(Instance, "counter", &item{Name: "rounds", Count: 7}))
		return tx.Put(Persistent, "winner/1", &item{Name: "alice", Count: 1})
	}))

	c.t = c.t.Add(365 * day)
	n, err := s.Restore()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, s.Update(func(tx *Tx) error {
		var got item
		ok, err := tx.Get(Instance, "counter", &got)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint32(7), got.Count)
		ok, err = tx.Get(Persistent, "winner/1", &got)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "alice", got.Name)
		return nil
	}))
}
