package draw

import (
	"errors"
	"testing"

	"raffle/internal/models"
)

var (
	alice   = models.MustAddress("0x00000000000000000000000000000000000a11ce")
	bob     = models.MustAddress("0x0000000000000000000000000000000000000b0b")
	charlie = models.MustAddress("0x00000000000000000000000000000000c4a411e0")
)

type holding struct {
	who     models.Address
	tickets uint32
}

type sliceRegistry []holding

func (s sliceRegistry) Walk(fn func(models.Address, uint32) (bool, error)) error {
	for _, h := range s {
		stop, err := fn(h.who, h.tickets)
		if err != nil || stop {
			return err
		}
	}
	return nil
}

func TestSelectWinner(t *testing.T) {
	reg := sliceRegistry{{alice, 2}, {bob, 1}, {charlie, 1}}

	cases := []struct {
		random uint64
		want   models.Address
	}{
		{0, alice},
		{1, alice},
		{2, bob},
		{3, charlie},
		{7, charlie}, // 7 mod 4 = 3
		{8, alice},
		{^uint64(0), charlie}, // 2^64-1 mod 4 = 3
	}
	for _, c := range cases {
		got, err := SelectWinner(c.random, 4, reg)
		if err != nil {
			t.Fatalf("random %d: unexpected error %v", c.random, err)
		}
		if got != c.want {
			t.Errorf("random %d: expected %s, got %s", c.random, c.want, got)
		}
	}
}

func TestSelectWinner_Deterministic(t *testing.T) {
	reg := sliceRegistry{{alice, 5}, {bob, 3}, {charlie, 9}}
	for r := uint64(0); r < 100; r++ {
		first, err := SelectWinner(r*7919, 17, reg)
		if err != nil {
			t.Fatal(err)
		}
		second, _ := SelectWinner(r*7919, 17, reg)
		if first != second {
			t.Fatalf("random %d: %s then %s", r*7919, first, second)
		}
	}
}

func TestSelectWinner_Proportional(t *testing.T) {
	reg := sliceRegistry{{alice, 3}, {bob, 1}}
	wins := map[models.Address]int{}
	for r := uint64(0); r < 400; r++ {
		w, err := SelectWinner(r, 4, reg)
		if err != nil {
			t.Fatal(err)
		}
		wins[w]++
	}
	if wins[alice] != 300 || wins[bob] != 100 {
		t.Errorf("expected 300/100 split, got %v", wins)
	}
}

func TestSelectWinner_Failures(t *testing.T) {
	t.Run("no tickets", func(t *testing.T) {
		_, err := SelectWinner(5, 0, sliceRegistry{})
		if !errors.Is(err, models.ErrTargetNotMet) {
			t.Fatalf("expected ErrTargetNotMet, got %v", err)
		}
	})

	t.Run("stats ahead of ledger", func(t *testing.T) {
		_, err := SelectWinner(5, 6, sliceRegistry{{alice, 2}, {bob, 1}})
		if !errors.Is(err, models.ErrWinnerNotFound) {
			t.Fatalf("expected ErrWinnerNotFound, got %v", err)
		}
	})

	t.Run("registry error", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := SelectWinner(1, 2, failingRegistry{boom})
		if !errors.Is(err, boom) {
			t.Fatalf("expected registry error, got %v", err)
		}
	})
}

type failingRegistry struct{ err error }

func (f failingRegistry) Walk(func(models.Address, uint32) (bool, error)) error { return f.err }
