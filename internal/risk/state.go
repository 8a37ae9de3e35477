package risk

import (
	"sync"
	"time"

	"breakretest-bot/internal/logging"
)

// Snapshot is the serializable view of one trading day's risk state.
type Snapshot struct {
	Date        string  `json:"date"`
	TradesToday int     `json:"trades_today"`
	RealizedPnL float64 `json:"realized_pnl"`
	OpenTrades  int     `json:"open_trades"`
}

// StateStore persists day snapshots so a restart mid-session does not
// forget the trades already taken.
type StateStore interface {
	Load(date string) (*Snapshot, error)
	Save(snap Snapshot) error
}

// State is the single shared risk ledger. Every mutation and every
// gate check goes through one mutex; there is exactly one State per
// engine.
type State struct {
	mu          sync.Mutex
	date        string
	tradesToday int
	realizedPnL float64
	openTrades  int
	store       StateStore
	logger      *logging.Logger
}

// NewState starts a ledger for today. store may be nil.
func NewState(store StateStore) *State {
	s := &State{store: store, logger: logging.WithComponent("risk")}
	s.ResetDay(time.Now().UTC().Format("2006-01-02"))
	return s
}

// ResetDay rolls the ledger to a new session date, restoring any
// persisted snapshot for that date.
func (s *State) ResetDay(date string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.date = date
	s.tradesToday = 0
	s.realizedPnL = 0
	s.openTrades = 0
	if s.store != nil {
		if snap, err := s.store.Load(date); err == nil && snap != nil {
			s.tradesToday = snap.TradesToday
			s.realizedPnL = snap.RealizedPnL
			s.openTrades = snap.OpenTrades
		}
	}
}

// TryReserve claims one trade-cap slot. The check and the increment
// happen under one lock so concurrent approvals cannot both pass a
// nearly-full cap. max <= 0 disables the cap but the count still runs.
func (s *State) TryReserve(max int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if max > 0 && s.tradesToday >= max {
		return false
	}
	s.tradesToday++
	s.persistLocked()
	return true
}

// Release returns a reserved slot when its trade dies before filling.
func (s *State) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tradesToday > 0 {
		s.tradesToday--
	}
	s.persistLocked()
}

// RecordOpen counts a newly opened trade. The trade-cap slot was
// already reserved at approval.
func (s *State) RecordOpen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openTrades++
	s.persistLocked()
}

// RecordClose folds a closed trade's realized P&L into the day.
func (s *State) RecordClose(pnl float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.realizedPnL += pnl
	if s.openTrades > 0 {
		s.openTrades--
	}
	s.persistLocked()
}

// Snapshot returns a copy of the current day state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Date:        s.date,
		TradesToday: s.tradesToday,
		RealizedPnL: s.realizedPnL,
		OpenTrades:  s.openTrades,
	}
}

func (s *State) persistLocked() {
	if s.store == nil {
		return
	}
	err := s.store.Save(Snapshot{
		Date:        s.date,
		TradesToday: s.tradesToday,
		RealizedPnL: s.realizedPnL,
		OpenTrades:  s.openTrades,
	})
	if err != nil {
		s.logger.Error("failed to persist risk state", "date", s.date, "error", err.Error())
	}
}
