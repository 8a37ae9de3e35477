package strategy

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"breakretest-bot/internal/events"
	"breakretest-bot/internal/levels"
	"breakretest-bot/internal/logging"
	"breakretest-bot/internal/market"
)

// Stop placement policies.
const (
	StopAtLevel  = "level"
	StopAtCandle = "candle"
)

// Config carries the tunables of one machine. Tolerances and buffers
// are absolute price distances.
type Config struct {
	BreakTolerance  float64
	RetestTolerance float64
	StopType        string // "level" or "candle"
	StopBuffer      float64
	DefaultRR       float64 // reward multiple when no opposing level exists
	Rule            ConfirmationRule
}

// Machine drives every break/retest instance for one symbol. Candles
// arrive in order from the symbol's event loop; the mutex only guards
// against concurrent snapshot reads from the API.
type Machine struct {
	mu        sync.Mutex
	symbol    string
	cfg       Config
	registry  *levels.Registry
	eventBus  *events.EventBus
	logger    *logging.Logger
	instances map[string]*Instance
	order     []string // instance keys in spawn order
}

// NewMachine builds a machine for symbol. cfg.Rule must be non-nil.
func NewMachine(symbol string, cfg Config, registry *levels.Registry, eventBus *events.EventBus) *Machine {
	if cfg.Rule == nil {
		cfg.Rule = &CloseThroughRule{Margin: cfg.BreakTolerance}
	}
	return &Machine{
		symbol:    symbol,
		cfg:       cfg,
		registry:  registry,
		eventBus:  eventBus,
		logger:    logging.WithComponent("strategy").WithField("symbol", symbol),
		instances: make(map[string]*Instance),
	}
}

// UpdateConfig swaps the machine tunables. Applied between candles;
// live instances pick up the new tolerances on the next one.
func (m *Machine) UpdateConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.Rule == nil {
		cfg.Rule = m.cfg.Rule
	}
	m.cfg = cfg
}

// Spawn creates a WATCHING instance for (strategy, level, direction).
// A live or terminal instance under the same key wins; Spawn then
// returns nil. Levels already broken or expired are not watchable.
func (m *Machine) Spawn(strategy Kind, level *levels.Level, direction Direction) *Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spawnLocked(strategy, level.ID, direction)
}

func (m *Machine) spawnLocked(strategy Kind, levelID string, direction Direction) *Instance {
	key := InstanceKey(m.symbol, strategy, levelID, direction)
	if _, exists := m.instances[key]; exists {
		return nil
	}
	now := time.Now().UTC()
	in := &Instance{
		ID:        uuid.New().String(),
		Symbol:    m.symbol,
		Strategy:  strategy,
		LevelID:   levelID,
		Direction: direction,
		Phase:     PhaseWatching,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.instances[key] = in
	m.order = append(m.order, key)
	m.logger.Info("instance watching", "strategy", string(strategy), "level_id", levelID, "direction", string(direction))
	return in
}

// OnCandle advances every live instance with a closed candle and
// returns the signals fired by this candle. Instances step in spawn
// order; a mirror spawned mid-pass first steps on the next candle.
func (m *Machine) OnCandle(c market.Candle) []Signal {
	m.mu.Lock()
	defer m.mu.Unlock()

	var signals []Signal
	n := len(m.order)
	for i := 0; i < n; i++ {
		in := m.instances[m.order[i]]
		if in.Phase.Terminal() {
			continue
		}
		if sig := m.step(in, c); sig != nil {
			signals = append(signals, *sig)
		}
	}
	return signals
}

// step runs one candle through one instance. Returns a signal when the
// instance reaches SIGNALED on this candle.
func (m *Machine) step(in *Instance, c market.Candle) *Signal {
	lvl, err := m.registry.Get(in.LevelID)
	if err != nil {
		m.invalidate(in, "level removed")
		return nil
	}
	if lvl.Status == levels.StatusExpired {
		m.invalidate(in, "level expired")
		return nil
	}

	switch in.Phase {
	case PhaseWatching:
		// A close on the far side of the level is no failure while
		// watching; the instance on the other edge handles that move.
		if m.brokeToward(lvl, c, in.Direction) {
			m.advance(in, PhaseBroken)
			in.BreakCandle = candleCopy(c)
			if lvl.Status == levels.StatusActive {
				if err := m.registry.MarkBroken(lvl.ID, c); err != nil {
					m.logger.Warn("mark broken failed", "level_id", lvl.ID, "error", err.Error())
				}
			}
		}

	case PhaseBroken:
		if m.brokeToward(lvl, c, in.Direction.Opposite()) {
			m.invalidateAndReverse(in, c, "re-broke opposite direction")
			return nil
		}
		if lvl.TouchedBy(c, m.cfg.RetestTolerance) {
			m.advance(in, PhaseRetesting)
			in.RetestCandle = candleCopy(c)
			if err := m.registry.MarkRetested(lvl.ID, c); err != nil {
				m.logger.Warn("mark retested failed", "level_id", lvl.ID, "error", err.Error())
			}
		}

	case PhaseRetesting:
		if m.brokeToward(lvl, c, in.Direction.Opposite()) {
			m.invalidateAndReverse(in, c, "re-broke opposite direction")
			return nil
		}
		if m.cfg.Rule.Confirm(lvl, in.Direction, *in.RetestCandle, c) {
			m.advance(in, PhaseConfirmed)
			in.ConfirmCandle = candleCopy(c)
			sig := m.buildSignal(in, lvl, c)
			m.advance(in, PhaseSignaled)
			m.logger.Info("signal fired",
				"strategy", string(in.Strategy),
				"direction", string(in.Direction),
				"entry", sig.Entry, "stop", sig.Stop, "target", sig.Target)
			m.eventBus.PublishSignal(string(in.Strategy), in.Symbol, string(in.Direction), sig.Entry, sig.Stop, sig.Target)
			return sig
		}
		if lvl.TouchedBy(c, m.cfg.RetestTolerance) {
			// still hovering at the level; the next candle confirms
			// against this fresher touch
			in.RetestCandle = candleCopy(c)
			in.UpdatedAt = time.Now().UTC()
		}
	}
	return nil
}

// brokeToward reports whether the candle closed through the level in
// the given direction by the break tolerance.
func (m *Machine) brokeToward(lvl *levels.Level, c market.Candle, direction Direction) bool {
	if direction == Long {
		return lvl.BrokenAbove(c.Close, m.cfg.BreakTolerance)
	}
	return lvl.BrokenBelow(c.Close, m.cfg.BreakTolerance)
}

func (m *Machine) advance(in *Instance, to Phase) {
	if to.Rank() <= in.Phase.Rank() {
		m.logger.Error("phase regression detected", "instance", in.ID, "from", string(in.Phase), "to", string(to))
		m.invalidate(in, "invariant violation: phase regression")
		return
	}
	m.logger.Debug("phase transition", "instance", in.ID, "from", string(in.Phase), "to", string(to))
	in.Phase = to
	in.UpdatedAt = time.Now().UTC()
	m.publishInstance(in)
}

func (m *Machine) invalidate(in *Instance, reason string) {
	in.Phase = PhaseInvalidated
	in.InvalidReason = reason
	in.UpdatedAt = time.Now().UTC()
	m.logger.Info("instance invalidated", "instance", in.ID, "reason", reason)
	m.publishInstance(in)
}

// invalidateAndReverse kills the instance and spawns its mirror on the
// same level, so a failed breakout becomes a fresh setup in the other
// direction.
func (m *Machine) invalidateAndReverse(in *Instance, c market.Candle, reason string) {
	m.invalidate(in, reason)
	rev := m.spawnLocked(in.Strategy, in.LevelID, in.Direction.Opposite())
	if rev != nil {
		// the invalidating candle is itself the break for the mirror
		if lvl, err := m.registry.Get(in.LevelID); err == nil && m.brokeToward(lvl, c, rev.Direction) {
			m.advance(rev, PhaseBroken)
			rev.BreakCandle = candleCopy(c)
		}
	}
}

func (m *Machine) buildSignal(in *Instance, lvl *levels.Level, confirm market.Candle) *Signal {
	entry := confirm.Close

	var stop float64
	switch m.cfg.StopType {
	case StopAtCandle:
		if in.Direction == Long {
			stop = in.RetestCandle.Low - m.cfg.StopBuffer
		} else {
			stop = in.RetestCandle.High + m.cfg.StopBuffer
		}
	default: // StopAtLevel
		if in.Direction == Long {
			stop = lvl.Price - m.cfg.StopBuffer
		} else {
			stop = lvl.Price + m.cfg.StopBuffer
		}
	}

	target := m.targetFor(in.Direction, entry, stop)

	return &Signal{
		ID:           uuid.New().String(),
		Symbol:       in.Symbol,
		Strategy:     in.Strategy,
		Direction:    in.Direction,
		LevelID:      in.LevelID,
		InstanceID:   in.ID,
		Entry:        entry,
		Stop:         stop,
		Target:       target,
		BreakCandle:  *in.BreakCandle,
		RetestCandle: *in.RetestCandle,
		GeneratedAt:  time.Now().UTC(),
	}
}

// targetFor takes the next opposing level when one exists, otherwise
// projects the default reward multiple of the stop distance.
func (m *Machine) targetFor(direction Direction, entry, stop float64) float64 {
	risk := entry - stop
	if direction == Short {
		risk = stop - entry
	}
	if next := m.registry.NextOpposing(m.symbol, direction == Long, entry); next != nil {
		return next.Price
	}
	rr := m.cfg.DefaultRR
	if rr <= 0 {
		rr = 2
	}
	if direction == Long {
		return entry + risk*rr
	}
	return entry - risk*rr
}

// MarkDone retires a SIGNALED instance once its signal has been
// consumed (trade closed or risk-rejected).
func (m *Machine) MarkDone(instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, in := range m.instances {
		if in.ID == instanceID && in.Phase == PhaseSignaled {
			in.Phase = PhaseDone
			in.UpdatedAt = time.Now().UTC()
			m.publishInstance(in)
			return
		}
	}
}

// InvalidateAll force-terminates every live instance, e.g. at session
// end or on operator cancel.
func (m *Machine) InvalidateAll(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, in := range m.instances {
		if !in.Phase.Terminal() {
			m.invalidate(in, reason)
		}
	}
}

// Invalidate terminates a single instance by ID.
func (m *Machine) Invalidate(instanceID, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, in := range m.instances {
		if in.ID == instanceID && !in.Phase.Terminal() {
			m.invalidate(in, reason)
			return true
		}
	}
	return false
}

// Instances returns a snapshot of every instance, live and terminal.
func (m *Machine) Instances() []Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Instance, 0, len(m.instances))
	for _, in := range m.instances {
		cp := *in
		out = append(out, cp)
	}
	return out
}

func (m *Machine) publishInstance(in *Instance) {
	if m.eventBus == nil {
		return
	}
	m.eventBus.Publish(events.Event{
		Type: events.EventInstanceUpdate,
		Data: map[string]interface{}{
			"instance_id": in.ID,
			"symbol":      in.Symbol,
			"strategy":    string(in.Strategy),
			"direction":   string(in.Direction),
			"level_id":    in.LevelID,
			"phase":       string(in.Phase),
			"reason":      in.InvalidReason,
		},
	})
}

func candleCopy(c market.Candle) *market.Candle {
	cp := c
	return &cp
}
