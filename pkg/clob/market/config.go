package market

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is one market entry in the bootstrap file (configs/markets.yaml).
// Decimal fields are parsed from strings so precision survives YAML.
type Config struct {
	Symbol                string          `mapstructure:"symbol"`
	BaseAsset             string          `mapstructure:"base_asset"`
	QuoteAsset            string          `mapstructure:"quote_asset"`
	TickSize              decimal.Decimal `mapstructure:"-"`
	LotSize               decimal.Decimal `mapstructure:"-"`
	MinOrderSize          decimal.Decimal `mapstructure:"-"`
	MaxOrderSize          decimal.Decimal `mapstructure:"-"`
	MaxLeverage           int             `mapstructure:"max_leverage"`
	InitialMarginRate     decimal.Decimal `mapstructure:"-"`
	MaintenanceMarginRate decimal.Decimal `mapstructure:"-"`
	SeedPrice             decimal.Decimal `mapstructure:"-"`

	// Raw string forms of the decimal fields, as they appear in YAML.
	RawTickSize     string `mapstructure:"tick_size"`
	RawLotSize      string `mapstructure:"lot_size"`
	RawMinOrderSize string `mapstructure:"min_order_size"`
	RawMaxOrderSize string `mapstructure:"max_order_size"`
	RawIMR          string `mapstructure:"initial_margin_rate"`
	RawMMR          string `mapstructure:"maintenance_margin_rate"`
	RawSeedPrice    string `mapstructure:"seed_price"`
}

// LoadConfigs reads the markets bootstrap file.
func LoadConfigs(path string) ([]Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read markets file: %w", err)
	}

	var file struct {
		Markets []Config `mapstructure:"markets"`
	}
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("unmarshal markets file: %w", err)
	}
	if len(file.Markets) == 0 {
		return nil, fmt.Errorf("markets file %s defines no markets", path)
	}

	for i := range file.Markets {
		if err := file.Markets[i].parseDecimals(); err != nil {
			return nil, fmt.Errorf("market %q: %w", file.Markets[i].Symbol, err)
		}
	}
	return file.Markets, nil
}

func (c *Config) parseDecimals() error {
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
		req  bool
	}{
		{"tick_size", c.RawTickSize, &c.TickSize, true},
		{"lot_size", c.RawLotSize, &c.LotSize, true},
		{"min_order_size", c.RawMinOrderSize, &c.MinOrderSize, false},
		{"max_order_size", c.RawMaxOrderSize, &c.MaxOrderSize, false},
		{"initial_margin_rate", c.RawIMR, &c.InitialMarginRate, true},
		{"maintenance_margin_rate", c.RawMMR, &c.MaintenanceMarginRate, true},
		{"seed_price", c.RawSeedPrice, &c.SeedPrice, false},
	}
	for _, f := range fields {
		if f.raw == "" {
			if f.req {
				return fmt.Errorf("%s is required", f.name)
			}
			continue
		}
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = d
	}
	return nil
}
