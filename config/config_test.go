package config

import "testing"

func validConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func TestDefaultsValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestInstrumentSectionValidates(t *testing.T) {
	cfg := validConfig()
	cfg.Instruments = []InstrumentConfig{
		{Symbol: "CL", Name: "Crude Oil", Type: "FUTURES", Multiplier: 1000, TickSize: 0.01},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected instrument entry to validate: %v", err)
	}

	cfg.Instruments = []InstrumentConfig{{Symbol: "CL", Multiplier: 0}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected rejection of a non-positive multiplier")
	}

	cfg.Instruments = []InstrumentConfig{{Multiplier: 1000}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected rejection of a missing symbol")
	}
}

func TestRiskBoundsValidate(t *testing.T) {
	cfg := validConfig()
	cfg.RiskConfig.RiskPerTrade = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("expected rejection of risk_per_trade outside (0, 1)")
	}
}
