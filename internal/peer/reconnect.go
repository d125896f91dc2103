package peer

import (
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/postalsys/p2p-node/internal/logging"
	"github.com/postalsys/p2p-node/internal/metrics"
	"github.com/postalsys/p2p-node/internal/recovery"
)

// ReconnectConfig contains configuration for reconnection behavior.
type ReconnectConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // fraction of the delay, 0.2 = +/-20%
	MaxRetries   int     // 0 means unlimited

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultReconnectConfig returns sensible defaults for reconnection.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
		MaxRetries:   0,
	}
}

// reconnectState tracks the attempts for one address.
type reconnectState struct {
	attempts    int
	lastAttempt time.Time
	timer       *time.Timer
	running     bool
}

// Reconnector redials addresses with exponential backoff until the callback
// succeeds, the retry ceiling is reached or the address is cancelled.
type Reconnector struct {
	cfg      ReconnectConfig
	backoff  *BackoffCalculator
	callback func(addr string) error
	logger   *slog.Logger

	mu     sync.Mutex
	states map[string]*reconnectState
	closed bool
	paused bool
	wg     sync.WaitGroup
}

// NewReconnector creates a new reconnector. callback performs one attempt.
func NewReconnector(cfg ReconnectConfig, callback func(addr string) error) *Reconnector {
	def := DefaultReconnectConfig()
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = max(def.MaxDelay, cfg.InitialDelay)
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	return &Reconnector{
		cfg:      cfg,
		backoff:  NewBackoffCalculator(cfg),
		callback: callback,
		logger:   logging.Component(logger, "reconnect"),
		states:   make(map[string]*reconnectState),
	}
}

// Schedule schedules a reconnection attempt for addr. An address already
// pending keeps its current timer.
func (r *Reconnector) Schedule(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	state, exists := r.states[addr]
	if !exists {
		state = &reconnectState{}
		r.states[addr] = state
	}
	if state.timer != nil || state.running || r.paused {
		return
	}
	r.armLocked(addr, state)
}

// armLocked starts the timer for the next attempt, or gives up when the
// retry ceiling was reached.
func (r *Reconnector) armLocked(addr string, state *reconnectState) {
	if r.cfg.MaxRetries > 0 && state.attempts >= r.cfg.MaxRetries {
		r.logger.Warn("giving up reconnecting",
			logging.KeyAddress, addr,
			logging.KeyAttempt, state.attempts)
		delete(r.states, addr)
		return
	}

	delay := r.addJitter(r.backoff.CalculateDelay(state.attempts))
	state.timer = time.AfterFunc(delay, func() {
		r.attemptReconnect(addr, state)
	})
	r.logger.Debug("reconnect scheduled",
		logging.KeyAddress, addr,
		logging.KeyAttempt, state.attempts+1,
		"delay", delay)
}

// attemptReconnect runs one attempt for addr.
func (r *Reconnector) attemptReconnect(addr string, state *reconnectState) {
	r.mu.Lock()
	if r.closed || r.paused || r.states[addr] != state {
		r.mu.Unlock()
		return
	}
	state.timer = nil
	state.running = true
	state.attempts++
	state.lastAttempt = time.Now()
	attempt := state.attempts
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	r.cfg.Metrics.RecordReconnectAttempt()
	err := r.run(addr)

	r.mu.Lock()
	defer r.mu.Unlock()

	state.running = false
	if r.closed || r.states[addr] != state {
		return
	}
	if err == nil {
		r.logger.Info("reconnected", logging.KeyAddress, addr, logging.KeyAttempt, attempt)
		delete(r.states, addr)
		return
	}

	r.logger.Debug("reconnect attempt failed",
		logging.KeyAddress, addr,
		logging.KeyAttempt, attempt,
		logging.KeyError, err)
	if !r.paused {
		r.armLocked(addr, state)
	}
}

func (r *Reconnector) run(addr string) (err error) {
	defer recovery.RecoverWithCallback(r.logger, "reconnect", func(recovered any) {
		err = &recovery.PanicError{Name: "reconnect", Value: recovered}
	})
	return r.callback(addr)
}

// addJitter spreads d by up to +/- Jitter.
func (r *Reconnector) addJitter(d time.Duration) time.Duration {
	if r.cfg.Jitter <= 0 {
		return d
	}
	spread := float64(d) * r.cfg.Jitter
	result := time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
	if result < 0 {
		return d
	}
	return result
}

// Cancel drops any pending reconnection for addr. An attempt already
// running finishes but is not rescheduled.
func (r *Reconnector) Cancel(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state, exists := r.states[addr]; exists {
		if state.timer != nil {
			state.timer.Stop()
		}
		delete(r.states, addr)
	}
}

// Attempts returns the number of attempts made for addr so far.
func (r *Reconnector) Attempts(addr string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state, exists := r.states[addr]; exists {
		return state.attempts
	}
	return 0
}

// IsPending reports whether addr is waiting for or running an attempt.
func (r *Reconnector) IsPending(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.states[addr]
	return exists
}

// Pause stops all pending timers but keeps their state for Resume.
func (r *Reconnector) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.paused || r.closed {
		return
	}
	r.paused = true

	for _, state := range r.states {
		if state.timer != nil {
			state.timer.Stop()
			state.timer = nil
		}
	}
}

// Resume re-arms every address that was pending when Pause was called.
func (r *Reconnector) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.paused || r.closed {
		return
	}
	r.paused = false

	for addr, state := range r.states {
		if state.timer == nil && !state.running {
			r.armLocked(addr, state)
		}
	}
}

// IsPaused returns true if the reconnector is paused.
func (r *Reconnector) IsPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// Stop cancels everything and waits for running attempts to return.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	r.closed = true
	for addr, state := range r.states {
		if state.timer != nil {
			state.timer.Stop()
		}
		delete(r.states, addr)
	}
	r.mu.Unlock()

	r.wg.Wait()
}

// BackoffCalculator calculates backoff delays.
type BackoffCalculator struct {
	cfg ReconnectConfig
}

// NewBackoffCalculator creates a new backoff calculator.
func NewBackoffCalculator(cfg ReconnectConfig) *BackoffCalculator {
	return &BackoffCalculator{cfg: cfg}
}

// CalculateDelay calculates the delay for the given attempt number (0-indexed).
func (b *BackoffCalculator) CalculateDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return b.cfg.InitialDelay
	}

	delay := float64(b.cfg.InitialDelay) * math.Pow(b.cfg.Multiplier, float64(attempt))
	if delay > float64(b.cfg.MaxDelay) {
		delay = float64(b.cfg.MaxDelay)
	}

	return time.Duration(delay)
}
