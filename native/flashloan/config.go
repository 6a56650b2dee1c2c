package flashloan

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"flashpool/crypto"
)

// DefaultImageURL is attached to certificates when the config leaves it empty.
const DefaultImageURL = "https://flash-loan.stakingcoins.eu/flash-loan.png"

// Config captures the genesis parameters of a pool.
type Config struct {
	Asset           string       `toml:"Asset"`
	BorrowerFeePct  string       `toml:"BorrowerFeePct"`
	LenderRewardPct string       `toml:"LenderRewardPct"`
	ImageURL        string       `toml:"ImageURL"`
	Alloc           []Allocation `toml:"alloc"`
}

// Allocation credits a ledger balance when the pool state is first created.
type Allocation struct {
	Address string `toml:"Address"`
	Amount  string `toml:"Amount"`
}

// Params holds the parsed, validated form of Config.
type Params struct {
	Asset           string
	BorrowerFeePct  decimal.Decimal
	LenderRewardPct decimal.Decimal
	ImageURL        string
	Alloc           []ParsedAllocation
}

// ParsedAllocation is an allocation with a decoded address and amount.
type ParsedAllocation struct {
	Address crypto.Address
	Amount  decimal.Decimal
}

// LoadConfig decodes a TOML pool configuration from disk.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if strings.TrimSpace(path) == "" {
		return cfg, fmt.Errorf("pool config path required")
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode pool config: %w", err)
	}
	return cfg, nil
}

// Params validates the configuration and returns its parsed form.
func (c Config) Params() (Params, error) {
	fee, err := parsePct(c.BorrowerFeePct)
	if err != nil {
		return Params{}, fmt.Errorf("BorrowerFeePct: %w", err)
	}
	reward, err := parsePct(c.LenderRewardPct)
	if err != nil {
		return Params{}, fmt.Errorf("LenderRewardPct: %w", err)
	}
	if fee.LessThan(reward) {
		return Params{}, fmt.Errorf("%w: fee %s < reward %s", ErrMarginViolation, fee, reward)
	}
	params := Params{
		Asset:           strings.ToUpper(strings.TrimSpace(c.Asset)),
		BorrowerFeePct:  fee,
		LenderRewardPct: reward,
		ImageURL:        strings.TrimSpace(c.ImageURL),
	}
	if params.Asset == "" {
		params.Asset = "XRD"
	}
	if params.ImageURL == "" {
		params.ImageURL = DefaultImageURL
	}
	for i, alloc := range c.Alloc {
		addr, err := crypto.ParseAddress(alloc.Address)
		if err != nil {
			return Params{}, fmt.Errorf("alloc[%d]: %w", i, err)
		}
		amount, err := ParseAmount(alloc.Amount)
		if err != nil {
			return Params{}, fmt.Errorf("alloc[%d]: %w", i, err)
		}
		params.Alloc = append(params.Alloc, ParsedAllocation{Address: addr, Amount: amount})
	}
	return params, nil
}

// Validate reports whether the configuration can be turned into Params.
func (c Config) Validate() error {
	_, err := c.Params()
	return err
}

func parsePct(raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return zero, nil
	}
	return ParseAmount(raw)
}
