package levels

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"breakretest-bot/internal/events"
	"breakretest-bot/internal/logging"
	"breakretest-bot/internal/market"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateLevel is returned when a registration for the same
	// (symbol, kind, session) already exists. Duplicates are rejected,
	// never overwritten, so levels stay stable during a session.
	ErrDuplicateLevel = errors.New("level already registered for this session")

	// ErrLevelNotFound is returned for operations on unknown level IDs.
	ErrLevelNotFound = errors.New("level not found")

	// ErrInvalidTransition is returned when a status change would move
	// backwards in the lifecycle.
	ErrInvalidTransition = errors.New("level status may only advance")
)

// Filter narrows Query results. Zero values match everything.
type Filter struct {
	Kinds    []Kind
	Statuses []Status
}

func (f Filter) matches(l *Level) bool {
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if l.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if l.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Registry owns every price level and is the only component allowed to
// advance level status. All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	levels   map[string]*Level   // by ID
	bySymbol map[string][]string // symbol -> level IDs
	sessions map[string]string   // symbol|kind|session -> level ID, for idempotence
	eventBus *events.EventBus
	logger   *logging.Logger
}

// NewRegistry creates an empty level registry.
func NewRegistry(eventBus *events.EventBus) *Registry {
	return &Registry{
		levels:   make(map[string]*Level),
		bySymbol: make(map[string][]string),
		sessions: make(map[string]string),
		eventBus: eventBus,
		logger:   logging.Default().WithComponent("levels"),
	}
}

func sessionKey(symbol string, kind Kind, sessionDate string) string {
	return symbol + "|" + string(kind) + "|" + sessionDate
}

// RegisterOpeningRange registers the opening-range high and low for a
// session. The registration is idempotent per (symbol, session): a
// second call for the same session is rejected.
func (r *Registry) RegisterOpeningRange(symbol string, high, low float64, sessionDate string) (*Level, *Level, error) {
	if high <= low {
		return nil, nil, fmt.Errorf("opening range for %s: high %.4f must exceed low %.4f", symbol, high, low)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[sessionKey(symbol, KindOpeningRangeHigh, sessionDate)]; exists {
		return nil, nil, fmt.Errorf("%w: %s opening range %s", ErrDuplicateLevel, symbol, sessionDate)
	}

	orh := r.addLocked(symbol, KindOpeningRangeHigh, high, high, high, sessionDate,
		fmt.Sprintf("Opening Range High %s", sessionDate))
	orl := r.addLocked(symbol, KindOpeningRangeLow, low, low, low, sessionDate,
		fmt.Sprintf("Opening Range Low %s", sessionDate))
	return orh, orl, nil
}

// RegisterPreviousDayLevels registers the prior session's high and low.
// Idempotent per (symbol, session).
func (r *Registry) RegisterPreviousDayLevels(symbol string, high, low float64, sessionDate string) (*Level, *Level, error) {
	if high <= low {
		return nil, nil, fmt.Errorf("previous-day levels for %s: high %.4f must exceed low %.4f", symbol, high, low)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[sessionKey(symbol, KindPrevDayHigh, sessionDate)]; exists {
		return nil, nil, fmt.Errorf("%w: %s previous-day levels %s", ErrDuplicateLevel, symbol, sessionDate)
	}

	pdh := r.addLocked(symbol, KindPrevDayHigh, high, high, high, sessionDate,
		fmt.Sprintf("Previous Day High %s", sessionDate))
	pdl := r.addLocked(symbol, KindPrevDayLow, low, low, low, sessionDate,
		fmt.Sprintf("Previous Day Low %s", sessionDate))
	return pdh, pdl, nil
}

// RegisterOrderBlock registers a zone level from the originating candle's
// range. The zone never moves once created. Idempotent per (symbol,
// kind, origin timestamp).
func (r *Registry) RegisterOrderBlock(symbol string, zoneLow, zoneHigh float64, kind Kind, originTime time.Time) (*Level, error) {
	if kind != KindOrderBlockBullish && kind != KindOrderBlockBearish {
		return nil, fmt.Errorf("order block kind must be bullish or bearish, got %s", kind)
	}
	if zoneHigh <= zoneLow {
		return nil, fmt.Errorf("order block for %s: zone high %.4f must exceed zone low %.4f", symbol, zoneHigh, zoneLow)
	}

	session := originTime.Format("2006-01-02T15:04:05")

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[sessionKey(symbol, kind, session)]; exists {
		return nil, fmt.Errorf("%w: %s %s at %s", ErrDuplicateLevel, symbol, kind, session)
	}

	mid := (zoneLow + zoneHigh) / 2
	lvl := r.addLocked(symbol, kind, mid, zoneLow, zoneHigh, session,
		fmt.Sprintf("Order block from candle at %s", originTime.Format(time.RFC3339)))
	return lvl, nil
}

// RegisterManual registers a user-supplied level. Manual levels are not
// session-deduplicated.
func (r *Registry) RegisterManual(symbol string, price float64, description string) (*Level, error) {
	if price <= 0 {
		return nil, fmt.Errorf("manual level for %s: price must be positive", symbol)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	session := time.Now().Format("2006-01-02")
	lvl := &Level{
		ID:          uuid.New().String(),
		Symbol:      symbol,
		Kind:        KindManual,
		Price:       price,
		ZoneLow:     price,
		ZoneHigh:    price,
		SessionDate: session,
		Status:      StatusActive,
		Description: description,
		CreatedAt:   time.Now(),
	}
	r.levels[lvl.ID] = lvl
	r.bySymbol[symbol] = append(r.bySymbol[symbol], lvl.ID)

	r.logger.Info("Level registered", "symbol", symbol, "kind", KindManual, "price", price)
	r.publish(lvl)
	return copyLevel(lvl), nil
}

// addLocked creates a level and records the session key. Caller holds
// the write lock.
func (r *Registry) addLocked(symbol string, kind Kind, price, zoneLow, zoneHigh float64, sessionDate, description string) *Level {
	lvl := &Level{
		ID:          uuid.New().String(),
		Symbol:      symbol,
		Kind:        kind,
		Price:       price,
		ZoneLow:     zoneLow,
		ZoneHigh:    zoneHigh,
		SessionDate: sessionDate,
		Status:      StatusActive,
		Description: description,
		CreatedAt:   time.Now(),
	}
	r.levels[lvl.ID] = lvl
	r.bySymbol[symbol] = append(r.bySymbol[symbol], lvl.ID)
	r.sessions[sessionKey(symbol, kind, sessionDate)] = lvl.ID

	r.logger.Info("Level registered", "symbol", symbol, "kind", kind, "price", price)
	r.publish(lvl)
	return copyLevel(lvl)
}

// MarkBroken advances a level to BROKEN, recording the triggering candle.
func (r *Registry) MarkBroken(levelID string, candle market.Candle) error {
	return r.transition(levelID, StatusBroken, candle)
}

// MarkRetested advances a level to RETESTED, recording the triggering
// candle.
func (r *Registry) MarkRetested(levelID string, candle market.Candle) error {
	return r.transition(levelID, StatusRetested, candle)
}

func (r *Registry) transition(levelID string, to Status, candle market.Candle) error {
	r.mu.Lock()

	lvl, ok := r.levels[levelID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrLevelNotFound, levelID)
	}

	if to.rank() <= lvl.Status.rank() {
		from := lvl.Status
		r.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	lvl.History = append(lvl.History, Transition{
		From:      lvl.Status,
		To:        to,
		Candle:    candle,
		Timestamp: time.Now(),
	})
	lvl.Status = to
	snapshot := copyLevel(lvl)
	r.mu.Unlock()

	r.logger.Info("Level transition", "symbol", snapshot.Symbol, "kind", snapshot.Kind,
		"status", snapshot.Status, "trigger_close", candle.Close)
	r.publish(snapshot)
	return nil
}

// ExpireSession marks every non-expired level for the symbol as EXPIRED.
// Empty symbol expires all symbols. Called at session rollover.
func (r *Registry) ExpireSession(symbol string) {
	r.mu.Lock()
	var expired []*Level
	for _, lvl := range r.levels {
		if symbol != "" && lvl.Symbol != symbol {
			continue
		}
		if lvl.Status == StatusExpired {
			continue
		}
		lvl.History = append(lvl.History, Transition{
			From:      lvl.Status,
			To:        StatusExpired,
			Timestamp: time.Now(),
		})
		lvl.Status = StatusExpired
		expired = append(expired, copyLevel(lvl))
	}
	r.mu.Unlock()

	for _, lvl := range expired {
		r.publish(lvl)
	}
}

// Get returns a copy of a level by ID.
func (r *Registry) Get(levelID string) (*Level, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lvl, ok := r.levels[levelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLevelNotFound, levelID)
	}
	return copyLevel(lvl), nil
}

// Query returns copies of the symbol's levels matching the filter,
// ordered by price ascending.
func (r *Registry) Query(symbol string, filter Filter) []*Level {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Level
	for _, id := range r.bySymbol[symbol] {
		lvl := r.levels[id]
		if filter.matches(lvl) {
			out = append(out, copyLevel(lvl))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out
}

// NextOpposing returns the nearest non-expired level beyond fromPrice in
// the travel direction (above for long, below for short), or nil. Used
// for next-level take-profit targeting.
func (r *Registry) NextOpposing(symbol string, long bool, fromPrice float64) *Level {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Level
	for _, id := range r.bySymbol[symbol] {
		lvl := r.levels[id]
		if lvl.Status == StatusExpired {
			continue
		}
		if long {
			if lvl.Price > fromPrice && (best == nil || lvl.Price < best.Price) {
				best = lvl
			}
		} else {
			if lvl.Price < fromPrice && (best == nil || lvl.Price > best.Price) {
				best = lvl
			}
		}
	}
	if best == nil {
		return nil
	}
	return copyLevel(best)
}

func (r *Registry) publish(lvl *Level) {
	if r.eventBus != nil {
		r.eventBus.PublishLevelUpdate(lvl.Symbol, string(lvl.Kind), string(lvl.Status), lvl.Price, lvl.ID)
	}
}

func copyLevel(lvl *Level) *Level {
	cp := *lvl
	cp.History = append([]Transition(nil), lvl.History...)
	return &cp
}
