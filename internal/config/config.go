// Package config loads the raffle server's TOML configuration.
package config

import (
	"sort"
	"strings"
	"time"

	"raffle/internal/models"

	"github.com/BurntSushi/toml"
	"golang.org/x/xerrors"
)

// Duration is a time.Duration written as "10m" or "5s" in the file.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

const (
	OracleInline   = "inline"
	OracleDeferred = "deferred"

	PaymentMemory = "memory"
	PaymentERC20  = "erc20"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Store    StoreConfig    `toml:"store"`
	Log      LogConfig      `toml:"log"`
	Raffle   RaffleConfig   `toml:"raffle"`
	Oracle   OracleConfig   `toml:"oracle"`
	Payment  PaymentConfig  `toml:"payment"`
	Archive  ArchiveConfig  `toml:"archive"`
	Telegram TelegramConfig `toml:"telegram"`
}

type ServerConfig struct {
	Listen string `toml:"listen"`
}

type StoreConfig struct {
	Path            string   `toml:"path"`
	RestoreInterval Duration `toml:"restore_interval"`
}

type LogConfig struct {
	Verbose bool   `toml:"verbose"`
	File    string `toml:"file"`
}

// RaffleConfig is the construction input for a fresh store. Once the raffle
// is constructed the stored config wins and these values are only compared.
type RaffleConfig struct {
	Admin                    string `toml:"admin"`
	Pool                     string `toml:"pool"`
	Oracle                   string `toml:"oracle"`
	Token                    string `toml:"token"`
	TicketPrice              uint64 `toml:"ticket_price"`
	TargetParticipants       uint32 `toml:"target_participants"`
	MaxTicketsPerParticipant uint32 `toml:"max_tickets_per_participant"`
}

type OracleConfig struct {
	Mode            string   `toml:"mode"`
	FulfillInterval Duration `toml:"fulfill_interval"`
}

type PaymentConfig struct {
	Mode     string `toml:"mode"`
	RPCURL   string `toml:"rpc_url"`
	ChainID  uint64 `toml:"chain_id"`
	Mnemonic string `toml:"mnemonic"`
	KeyIndex uint32 `toml:"key_index"`
	// Balances seeds the memory ledger.
	Balances map[string]uint64 `toml:"balances"`
}

type ArchiveConfig struct {
	DSN string `toml:"dsn"`
}

type TelegramConfig struct {
	Token  string `toml:"token"`
	ChatID int64  `toml:"chat_id"`
}

// Default returns a config with every optional field filled in.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Listen: ":8080"},
		Store:   StoreConfig{Path: "raffle.db", RestoreInterval: Duration{10 * time.Minute}},
		Oracle:  OracleConfig{Mode: OracleInline, FulfillInterval: Duration{5 * time.Second}},
		Payment: PaymentConfig{Mode: PaymentMemory},
	}
}

// Load reads path over the defaults and validates the result. Unknown keys are an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, xerrors.Errorf("read %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, xerrors.Errorf("%s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return xerrors.New("server.listen is required")
	}
	if c.Store.Path == "" {
		return xerrors.New("store.path is required")
	}
	if c.Store.RestoreInterval.Duration <= 0 {
		return xerrors.New("store.restore_interval must be positive")
	}

	if _, err := c.Raffle.Model(); err != nil {
		return err
	}
	if _, err := c.Raffle.AdminAddress(); err != nil {
		return err
	}

	switch c.Oracle.Mode {
	case OracleInline:
	case OracleDeferred:
		if c.Oracle.FulfillInterval.Duration <= 0 {
			return xerrors.New("oracle.fulfill_interval must be positive")
		}
	default:
		return xerrors.Errorf("oracle.mode %q: want %q or %q", c.Oracle.Mode, OracleInline, OracleDeferred)
	}

	switch c.Payment.Mode {
	case PaymentMemory:
		if _, err := c.Raffle.PoolAddress(); err != nil {
			return err
		}
		for a := range c.Payment.Balances {
			if _, err := models.ParseAddress(a); err != nil {
				return xerrors.Errorf("payment.balances: %w", err)
			}
		}
	case PaymentERC20:
		if c.Payment.RPCURL == "" || c.Payment.Mnemonic == "" {
			return xerrors.New("payment.rpc_url and payment.mnemonic are required in erc20 mode")
		}
	default:
		return xerrors.Errorf("payment.mode %q: want %q or %q", c.Payment.Mode, PaymentMemory, PaymentERC20)
	}

	if c.Telegram.Token != "" && c.Telegram.ChatID == 0 {
		return xerrors.New("telegram.chat_id is required with telegram.token")
	}
	return nil
}

func parseField(name, value string) (models.Address, error) {
	if value == "" {
		return "", xerrors.Errorf("%s is required: %w", name, models.ErrInvalidConfig)
	}
	a, err := models.ParseAddress(value)
	if err != nil {
		return "", xerrors.Errorf("%s: %v: %w", name, err, models.ErrInvalidConfig)
	}
	return a, nil
}

func (r RaffleConfig) AdminAddress() (models.Address, error) {
	return parseField("raffle.admin", r.Admin)
}

// PoolAddress is required in memory payment mode; in erc20 mode the pool is the signing key's account.
func (r RaffleConfig) PoolAddress() (models.Address, error) {
	return parseField("raffle.pool", r.Pool)
}

// Model converts the section into the stored raffle config.
func (r RaffleConfig) Model() (models.Config, error) {
	oracle, err := parseField("raffle.oracle", r.Oracle)
	if err != nil {
		return models.Config{}, err
	}
	token, err := parseField("raffle.token", r.Token)
	if err != nil {
		return models.Config{}, err
	}
	if r.TicketPrice == 0 {
		return models.Config{}, xerrors.Errorf("raffle.ticket_price must be positive: %w", models.ErrInvalidConfig)
	}
	if r.TargetParticipants == 0 {
		return models.Config{}, xerrors.Errorf("raffle.target_participants must be positive: %w", models.ErrInvalidConfig)
	}
	return models.Config{
		Oracle:                   oracle,
		Token:                    token,
		TicketPrice:              r.TicketPrice,
		TargetParticipants:       r.TargetParticipants,
		MaxTicketsPerParticipant: r.MaxTicketsPerParticipant,
	}, nil
}
