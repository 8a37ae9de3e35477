package risk

import (
	"math"
	"sync"

	"breakretest-bot/internal/events"
	"breakretest-bot/internal/logging"
	"breakretest-bot/internal/market"
	"breakretest-bot/internal/strategy"
)

// Rejection reasons. Every rejected signal carries exactly one.
const (
	ReasonZeroRisk      = "ZERO_RISK"
	ReasonBelowMinSize  = "BELOW_MIN_SIZE"
	ReasonDailyTradeCap = "DAILY_TRADE_CAP"
	ReasonDailyLossCap  = "DAILY_LOSS_CAP"
)

// Config holds the account-level risk limits.
type Config struct {
	Equity          float64 // account equity used for sizing
	RiskPerTrade    float64 // fraction of equity risked per trade
	MaxDailyLoss    float64 // fraction of equity; realized losses beyond this halt entries
	MaxTradesPerDay int     // 0 disables the cap
}

// Decision is the outcome of evaluating one signal.
type Decision struct {
	Approved bool    `json:"approved"`
	Reason   string  `json:"reason,omitempty"`
	Quantity int     `json:"quantity"`
	Entry    float64 `json:"entry"`
	Stop     float64 `json:"stop"`
	Target   float64 `json:"target"`
}

// Manager turns signals into sized orders or rejections. The day
// ledger and caps live in State; Manager itself is stateless beyond
// its config.
type Manager struct {
	mu          sync.Mutex
	cfg         Config
	state       *State
	instruments *market.InstrumentRegistry
	eventBus    *events.EventBus
	logger      *logging.Logger
}

func NewManager(cfg Config, state *State, instruments *market.InstrumentRegistry, eventBus *events.EventBus) *Manager {
	return &Manager{
		cfg:         cfg,
		state:       state,
		instruments: instruments,
		eventBus:    eventBus,
		logger:      logging.WithComponent("risk"),
	}
}

// UpdateConfig swaps the account limits at runtime. The next Evaluate
// sees the new values.
func (m *Manager) UpdateConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// Evaluate sizes a signal against the account limits. Caps are
// checked before sizing so a halted day rejects every signal with the
// cap reason, never a sizing one. An approved decision holds one
// reserved trade-cap slot; the controller consumes it on fill and
// releases it when the trade dies before filling.
func (m *Manager) Evaluate(sig strategy.Signal) Decision {
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()
	snap := m.state.Snapshot()

	if cfg.MaxDailyLoss > 0 && snap.RealizedPnL <= -cfg.MaxDailyLoss*cfg.Equity {
		return m.reject(sig, ReasonDailyLossCap)
	}
	if !m.state.TryReserve(cfg.MaxTradesPerDay) {
		return m.reject(sig, ReasonDailyTradeCap)
	}

	perUnit := math.Abs(sig.Entry-sig.Stop) * m.instruments.Get(sig.Symbol).Multiplier
	if perUnit == 0 {
		m.state.Release()
		return m.reject(sig, ReasonZeroRisk)
	}

	quantity := int(math.Floor(cfg.RiskPerTrade * cfg.Equity / perUnit))
	if quantity < 1 {
		m.state.Release()
		return m.reject(sig, ReasonBelowMinSize)
	}

	m.logger.Info("signal approved",
		"symbol", sig.Symbol, "strategy", string(sig.Strategy),
		"quantity", quantity, "entry", sig.Entry, "stop", sig.Stop)
	return Decision{
		Approved: true,
		Quantity: quantity,
		Entry:    sig.Entry,
		Stop:     sig.Stop,
		Target:   sig.Target,
	}
}

func (m *Manager) reject(sig strategy.Signal, reason string) Decision {
	m.logger.Info("signal rejected", "symbol", sig.Symbol, "strategy", string(sig.Strategy), "reason", reason)
	if m.eventBus != nil {
		m.eventBus.PublishRiskRejection(sig.Symbol, string(sig.Strategy), reason)
	}
	return Decision{Reason: reason, Entry: sig.Entry, Stop: sig.Stop, Target: sig.Target}
}

// State exposes the shared day ledger for the trade controller.
func (m *Manager) State() *State {
	return m.state
}
