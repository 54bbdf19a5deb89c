package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"raffle/internal/models"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

const sample = `
[server]
listen = "127.0.0.1:9000"

[store]
path = "/var/lib/raffle/raffle.db"
restore_interval = "1h"

[log]
verbose = true

[raffle]
admin = "0x00000000000000000000000000000000000000a1"
pool = "0x00000000000000000000000000000000000000b2"
oracle = "0x00000000000000000000000000000000000000c3"
token = "0x00000000000000000000000000000000000000d4"
ticket_price = 1000000
target_participants = 3
max_tickets_per_participant = 50

[oracle]
mode = "deferred"
fulfill_interval = "2s"

[payment]
mode = "memory"

[payment.balances]
"0x00000000000000000000000000000000000000e5" = 500

[telegram]
token = "123:abc"
chat_id = -100200
`

func write(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "raffle.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(write(t, sample))
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:9000", cfg.Server.Listen)
	require.Equal(t, time.Hour, cfg.Store.RestoreInterval.Duration)
	require.True(t, cfg.Log.Verbose)
	require.Equal(t, OracleDeferred, cfg.Oracle.Mode)
	require.Equal(t, 2*time.Second, cfg.Oracle.FulfillInterval.Duration)
	require.Equal(t, uint64(500), cfg.Payment.Balances["0x00000000000000000000000000000000000000e5"])
	require.Equal(t, int64(-100200), cfg.Telegram.ChatID)

	m, err := cfg.Raffle.Model()
	require.NoError(t, err)
	require.Equal(t, models.Config{
		Oracle:                   models.MustAddress("0x00000000000000000000000000000000000000c3"),
		Token:                    models.MustAddress("0x00000000000000000000000000000000000000d4"),
		TicketPrice:              1000000,
		TargetParticipants:       3,
		MaxTicketsPerParticipant: 50,
	}, m)

	admin, err := cfg.Raffle.AdminAddress()
	require.NoError(t, err)
	require.Equal(t, models.MustAddress("0x00000000000000000000000000000000000000a1"), admin)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(write(t, `
[raffle]
admin = "0x00000000000000000000000000000000000000a1"
pool = "0x00000000000000000000000000000000000000b2"
oracle = "0x00000000000000000000000000000000000000c3"
token = "0x00000000000000000000000000000000000000d4"
ticket_price = 10
target_participants = 2
`))
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Server.Listen)
	require.Equal(t, "raffle.db", cfg.Store.Path)
	require.Equal(t, 10*time.Minute, cfg.Store.RestoreInterval.Duration)
	require.Equal(t, OracleInline, cfg.Oracle.Mode)
	require.Equal(t, PaymentMemory, cfg.Payment.Mode)
	require.Zero(t, cfg.Raffle.MaxTicketsPerParticipant)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)

	_, err = Load(write(t, sample+"\n[extra]\nkey = 1\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "extra.key")

	_, err = Load(write(t, "[store]\nrestore_interval = \"soon\"\n"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		_, err := toml.Decode(sample, cfg)
		require.NoError(t, err)
		require.NoError(t, cfg.Validate())
		return cfg
	}

	cases := map[string]func(c *Config){
		"no listen":        func(c *Config) { c.Server.Listen = "" },
		"zero restore":     func(c *Config) { c.Store.RestoreInterval = Duration{} },
		"bad admin":        func(c *Config) { c.Raffle.Admin = "alice" },
		"no oracle":        func(c *Config) { c.Raffle.Oracle = "" },
		"zero price":       func(c *Config) { c.Raffle.TicketPrice = 0 },
		"zero target":      func(c *Config) { c.Raffle.TargetParticipants = 0 },
		"oracle mode":      func(c *Config) { c.Oracle.Mode = "remote" },
		"zero fulfill":     func(c *Config) { c.Oracle.FulfillInterval = Duration{} },
		"memory pool":      func(c *Config) { c.Raffle.Pool = "" },
		"balance key":      func(c *Config) { c.Payment.Balances = map[string]uint64{"bob": 1} },
		"payment mode":     func(c *Config) { c.Payment.Mode = "cash" },
		"erc20 no rpc":     func(c *Config) { c.Payment.Mode = PaymentERC20; c.Payment.Mnemonic = "x" },
		"telegram no chat": func(c *Config) { c.Telegram.ChatID = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}

	cfg := base()
	cfg.Raffle.TicketPrice = 0
	require.True(t, xerrors.Is(cfg.Validate(), models.ErrInvalidConfig))

	// erc20 mode takes the pool from the key.
	cfg = base()
	cfg.Raffle.Pool = ""
	cfg.Payment.Mode = PaymentERC20
	cfg.Payment.RPCURL = "http://127.0.0.1:8545"
	cfg.Payment.Mnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	require.NoError(t, cfg.Validate())
}

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	require.Equal(t, 90*time.Second, d.Duration)
	text, err := d.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "1m30s", string(text))
	require.Error(t, d.UnmarshalText([]byte("ninety")))
}
