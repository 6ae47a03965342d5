package olfactoryreaction

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/logging"
)

// channelSetter is the device side of the machine. The olfactometer switch
// satisfies it, and so does any Viam switch with four positions.
type channelSetter interface {
	SetPosition(ctx context.Context, position uint32, extra map[string]interface{}) error
}

// machineConfig is the validated subset of Config a session runs with.
type machineConfig struct {
	delayMin      time.Duration
	delayMax      time.Duration
	balancedCount int
	// channelScents[0] is wired to channel 1, [1] to channel 2.
	channelScents [2]string
}

// machine owns the active stage, the trial in progress and the balance
// pool. It is not safe for concurrent use; the session loop serializes it.
type machine struct {
	cfg         machineConfig
	participant Participant
	logger      logging.Logger

	clk    clock.Clock
	rng    *rand.Rand
	device channelSetter
	// onElapsed is called from the timer goroutine with the token the timer
	// was armed under.
	onElapsed func(token uint64)

	stage     Stage
	entered   time.Time
	token     uint64
	timer     *clock.Timer
	lastDelay time.Duration

	pool      *BalancePool
	reversed  bool
	trial     *TrialRecord
	completed []TrialRecord
}

func newMachine(cfg machineConfig, p Participant, device channelSetter, clk clock.Clock, rng *rand.Rand, logger logging.Logger) *machine {
	return &machine{
		cfg:         cfg,
		participant: p,
		logger:      logger,
		clk:         clk,
		rng:         rng,
		device:      device,
		onElapsed:   func(uint64) {},
		stage:       StageInit,
		entered:     clk.Now(),
		pool:        NewBalancePool(cfg.balancedCount, rng),
	}
}

// begin leaves Init. No timer exists yet, so this is an acknowledged advance.
func (m *machine) begin(ctx context.Context) error {
	return m.advance(ctx, Acknowledged)
}

// acknowledge handles participant input.
func (m *machine) acknowledge(ctx context.Context) error {
	if f, ok := prematureField(m.stage); ok {
		m.trial.Timings[f] = Premature
	}
	return m.advance(ctx, Acknowledged)
}

// elapse handles a timer event. Events armed under an older token are
// stale and ignored; it reports whether the event was applied.
func (m *machine) elapse(ctx context.Context, token uint64) (bool, error) {
	if token != m.token || !m.stage.isTimed() {
		return false, nil
	}
	return true, m.advance(ctx, Timed)
}

// advance exits the current stage and enters the next one. Exit recording
// always precedes entry actions. A device failure does not undo the
// transition; it is returned for reporting.
func (m *machine) advance(ctx context.Context, t Trigger) error {
	from := m.stage
	to := nextStage(from, t)

	m.cancelTimer()
	m.exit(from)

	m.stage = to
	m.token++
	m.entered = m.clk.Now()

	if to == StageStart {
		m.startTrial()
	}
	if to.isTimed() {
		m.armTimer()
	}
	err := m.applyChannels(ctx, to)

	m.logger.Debugf("stage %v -> %v (%v), reversed=%v", from, to, t, m.reversed)
	if err != nil {
		return fmt.Errorf("entering %v: %w", to, err)
	}
	return nil
}

func (m *machine) exit(s Stage) {
	f, ok := exitField(s)
	if !ok || m.trial == nil {
		return
	}
	m.trial.Timings[f] = m.clk.Since(m.entered).Seconds()
}

// startTrial finalizes the previous trial, if any, and opens the next one.
func (m *machine) startTrial() {
	if m.trial != nil {
		if !m.trial.Complete() {
			m.logger.Warnf("finalizing trial with unset timings: %v", m.trial.Timings)
		}
		m.completed = append(m.completed, *m.trial)
	}
	m.reversed = m.pool.Draw()
	first, second := m.cfg.channelScents[0], m.cfg.channelScents[1]
	if m.reversed {
		first, second = second, first
	}
	m.trial = newTrialRecord(m.clk.Now(), m.participant, first, second)
}

func (m *machine) armTimer() {
	m.lastDelay = m.drawDelay()
	token := m.token
	notify := m.onElapsed
	m.timer = m.clk.AfterFunc(m.lastDelay, func() { notify(token) })
}

func (m *machine) cancelTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// drawDelay is uniform in [delayMin, delayMax].
func (m *machine) drawDelay() time.Duration {
	span := m.cfg.delayMax - m.cfg.delayMin
	if span <= 0 {
		return m.cfg.delayMin
	}
	return m.cfg.delayMin + time.Duration(m.rng.Float64()*float64(span))
}

func (m *machine) applyChannels(ctx context.Context, s Stage) error {
	ch1, ch2, ok := stageChannels(s, m.reversed)
	if !ok {
		return nil
	}
	return setChannels(ctx, m.device, ch1, ch2)
}

// stop cancels any pending timer and turns both emitters off. The trial in
// progress is dropped.
func (m *machine) stop(ctx context.Context) error {
	m.cancelTimer()
	m.token++
	return setChannels(ctx, m.device, false, false)
}

// completedTrials returns a copy of the finalized trials.
func (m *machine) completedTrials() []TrialRecord {
	out := make([]TrialRecord, len(m.completed))
	copy(out, m.completed)
	return out
}

// progressText summarises the participant and how far the session is.
func (m *machine) progressText() string {
	if len(m.completed) == 0 {
		return fmt.Sprintf("(participant %q)", m.participant.ID)
	}
	return fmt.Sprintf("(participant %q, completed cycles: %d/%d)",
		m.participant.ID, len(m.completed), 2*m.cfg.balancedCount)
}

func setChannels(ctx context.Context, device channelSetter, ch1, ch2 bool) error {
	return device.SetPosition(ctx, channelsToPosition(ch1, ch2), nil)
}
