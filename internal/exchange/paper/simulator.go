package paper

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// SimulatorConfig drives a random-walk market for one instrument.
type SimulatorConfig struct {
	Instrument string
	StartAsk   decimal.Decimal
	TickSize   decimal.Decimal
	MinAsk     decimal.Decimal
	MaxAsk     decimal.Decimal
	Interval   time.Duration
	TradeProb  float64         // probability of a taker buy per step
	TradeSize  decimal.Decimal // max taker size per step
	Seed       int64
}

// Simulator moves the best ask by at most one tick per step and sends
// taker buys at the ask.
type Simulator struct {
	cfg    SimulatorConfig
	venue  *Venue
	logger *slog.Logger
	rng    *rand.Rand

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewSimulator creates a simulator bound to venue.
func NewSimulator(venue *Venue, cfg SimulatorConfig, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.TickSize.IsZero() {
		cfg.TickSize = decimal.RequireFromString("0.01")
	}
	if cfg.MinAsk.IsZero() {
		cfg.MinAsk = cfg.TickSize
	}
	return &Simulator{
		cfg:    cfg,
		venue:  venue,
		logger: logger,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		done:   make(chan struct{}),
	}
}

// Start runs the random walk until Stop is called.
func (s *Simulator) Start() {
	s.venue.SetBestAsk(s.cfg.Instrument, s.cfg.StartAsk)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.Step()
			}
		}
	}()
}

// Stop halts the simulator and waits for it to exit.
func (s *Simulator) Stop() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

// Step advances the market once.
func (s *Simulator) Step() {
	ask := s.venue.bestAsk(s.cfg.Instrument)

	switch s.rng.Intn(3) {
	case 0:
		ask = ask.Sub(s.cfg.TickSize)
	case 2:
		ask = ask.Add(s.cfg.TickSize)
	}
	if ask.LessThan(s.cfg.MinAsk) {
		ask = s.cfg.MinAsk
	}
	if s.cfg.MaxAsk.IsPositive() && ask.GreaterThan(s.cfg.MaxAsk) {
		ask = s.cfg.MaxAsk
	}
	s.venue.SetBestAsk(s.cfg.Instrument, ask)

	if s.cfg.TradeSize.IsPositive() && s.rng.Float64() < s.cfg.TradeProb {
		frac := decimal.NewFromFloat(s.rng.Float64()).Round(2)
		size := s.cfg.TradeSize.Mul(frac).Round(2)
		if size.IsPositive() {
			filled := s.venue.SimulateTrade(s.cfg.Instrument, ask, size)
			if filled.IsPositive() {
				s.logger.Info("simulated taker buy",
					"instrument", s.cfg.Instrument,
					"price", ask,
					"filled", filled,
				)
			}
		}
	}
}
