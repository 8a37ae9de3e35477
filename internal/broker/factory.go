package broker

import "fmt"

// FactoryConfig selects and parameterizes the broker implementation.
type FactoryConfig struct {
	Name string `json:"name"` // "paper", "schwab" or "tastytrade"
}

// Compile-time interface checks.
var (
	_ Broker = (*PaperBroker)(nil)
	_ Broker = (*SchwabBroker)(nil)
	_ Broker = (*TastytradeBroker)(nil)
)

// New builds the configured broker. Live brokers pull their
// credentials from creds; the paper broker needs none.
func New(cfg FactoryConfig, creds CredentialSource) (Broker, error) {
	switch cfg.Name {
	case "", "paper":
		return NewPaperBroker(), nil
	case "schwab":
		c, err := creds.BrokerCredentials("schwab")
		if err != nil {
			return nil, fmt.Errorf("failed to load schwab credentials: %w", err)
		}
		return NewSchwabBroker(c), nil
	case "tastytrade":
		c, err := creds.BrokerCredentials("tastytrade")
		if err != nil {
			return nil, fmt.Errorf("failed to load tastytrade credentials: %w", err)
		}
		return NewTastytradeBroker(c), nil
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Name)
	}
}
