package olfactoryreaction

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	toggleswitch "go.viam.com/rdk/components/switch"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
)

var Experiment = resource.NewModel("viamdemo", "olfactory-reaction", "experiment")

func init() {
	resource.RegisterService(generic.API, Experiment,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newExperimentController,
		},
	)
}

var (
	// ErrInvalidBalanceCount is returned for a balanced_count below one.
	ErrInvalidBalanceCount = errors.New("balanced_count must be a positive integer")
	// ErrInvalidDelayRange is returned when the delay bounds are negative or inverted.
	ErrInvalidDelayRange = errors.New("delay_min_sec must be non-negative and not greater than delay_max_sec")
)

const (
	defaultDelayMinSec = 5.0
	defaultDelayMaxSec = 10.0
)

var defaultScents = []string{"Undefined 1", "Undefined 2"}

type Config struct {
	Olfactometer  string   `json:"olfactometer"`
	Scents        []string `json:"scents,omitempty"`
	DelayMinSec   *float64 `json:"delay_min_sec,omitempty"` // default 5
	DelayMaxSec   *float64 `json:"delay_max_sec,omitempty"` // default 10
	BalancedCount int      `json:"balanced_count"`
	Locale        string   `json:"locale,omitempty"`     // e.g. it_IT, decides the CSV decimal separator
	OutputDir     string   `json:"output_dir,omitempty"` // default: working directory
}

func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.Olfactometer == "" {
		return nil, nil, fmt.Errorf("%s: olfactometer is required", path)
	}
	if cfg.BalancedCount <= 0 {
		return nil, nil, fmt.Errorf("%s: %w, got %d", path, ErrInvalidBalanceCount, cfg.BalancedCount)
	}
	lo, hi := cfg.delayBounds()
	if lo < 0 || lo > hi {
		return nil, nil, fmt.Errorf("%s: %w, got [%v, %v]", path, ErrInvalidDelayRange, lo, hi)
	}
	scents := cfg.scents()
	if len(scents) < 2 {
		return nil, nil, fmt.Errorf("%s: at least two scents are required", path)
	}
	seen := map[string]bool{}
	for _, s := range scents {
		if s == "" {
			return nil, nil, fmt.Errorf("%s: scent names must not be empty", path)
		}
		if seen[s] {
			return nil, nil, fmt.Errorf("%s: duplicate scent %q", path, s)
		}
		seen[s] = true
	}
	if _, err := NewDecimalFormat(cfg.Locale); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return []string{cfg.Olfactometer}, nil, nil
}

// delayBounds defaults each omitted bound on its own. An explicit zero is kept.
func (cfg *Config) delayBounds() (lo, hi float64) {
	lo, hi = defaultDelayMinSec, defaultDelayMaxSec
	if cfg.DelayMinSec != nil {
		lo = *cfg.DelayMinSec
	}
	if cfg.DelayMaxSec != nil {
		hi = *cfg.DelayMaxSec
	}
	return lo, hi
}

func (cfg *Config) scents() []string {
	if len(cfg.Scents) == 0 {
		return defaultScents
	}
	return cfg.Scents
}

type experimentController struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	cfg    *Config
	format DecimalFormat

	olfactometer toggleswitch.Switch

	clk clock.Clock
	rng *rand.Rand

	mu     sync.Mutex
	active *session
}

func newExperimentController(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}

	return NewController(ctx, deps, rawConf.ResourceName(), conf, logger)
}

func NewController(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *Config, logger logging.Logger) (resource.Resource, error) {
	olf, err := toggleswitch.FromDependencies(deps, conf.Olfactometer)
	if err != nil {
		return nil, fmt.Errorf("getting olfactometer: %w", err)
	}

	format, err := NewDecimalFormat(conf.Locale)
	if err != nil {
		return nil, err
	}

	now := uint64(time.Now().UnixNano())
	return &experimentController{
		name:         name,
		logger:       logger,
		cfg:          conf,
		format:       format,
		olfactometer: olf,
		clk:          clock.New(),
		rng:          rand.New(rand.NewPCG(now, now>>1)),
	}, nil
}

func (c *experimentController) Name() resource.Name {
	return c.name
}

func (c *experimentController) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	switch command {
	case "start":
		return c.handleStart(ctx, cmd)
	case "acknowledge":
		return c.handleAcknowledge(ctx)
	case "stop":
		return c.handleStop(ctx)
	case "status":
		return c.GetState(ctx), nil
	case "set_channels":
		return c.handleSetChannels(ctx, cmd)
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

func (c *experimentController) machineConfig(ch1Scent, ch2Scent string) machineConfig {
	lo, hi := c.cfg.delayBounds()
	return machineConfig{
		delayMin:      time.Duration(lo * float64(time.Second)),
		delayMax:      time.Duration(hi * float64(time.Second)),
		balancedCount: c.cfg.BalancedCount,
		channelScents: [2]string{ch1Scent, ch2Scent},
	}
}

func (c *experimentController) handleStart(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	p, err := participantFromCommand(cmd)
	if err != nil {
		return nil, err
	}
	ch1Scent, _ := cmd["channel_1_scent"].(string)
	ch2Scent, _ := cmd["channel_2_scent"].(string)
	if err := c.validateScents(ch1Scent, ch2Scent); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		return nil, fmt.Errorf("session %s already running", c.active.id)
	}

	m := newMachine(c.machineConfig(ch1Scent, ch2Scent), p, c.olfactometer, c.clk, c.rng, c.logger)
	s := newSession(m, c.logger)
	startErr := s.start(ctx)
	c.active = s

	c.logger.Infof("session %s started for participant %q (channel 1: %q, channel 2: %q)",
		s.id, p.ID, ch1Scent, ch2Scent)

	result := s.snapshot()
	result["state"] = "running"
	if startErr != nil {
		result["device_error"] = startErr.Error()
	}
	return result, nil
}

func (c *experimentController) validateScents(ch1, ch2 string) error {
	if ch1 == "" || ch2 == "" {
		return fmt.Errorf("choose scent for each channel")
	}
	if ch1 == ch2 {
		return fmt.Errorf("the scent must be different for each channel")
	}
	for _, s := range []string{ch1, ch2} {
		if !oneOf(s, c.cfg.scents()) {
			return fmt.Errorf("unknown scent %q, configured scents are %q", s, c.cfg.scents())
		}
	}
	return nil
}

func participantFromCommand(cmd map[string]interface{}) (Participant, error) {
	id, _ := cmd["participant"].(string)
	gender, _ := cmd["gender"].(string)
	smokes, _ := cmd["smokes"].(string)

	var age int
	switch v := cmd["age"].(type) {
	case float64:
		if v != float64(int(v)) {
			return Participant{}, fmt.Errorf("age must be a whole number, got %v", v)
		}
		age = int(v)
	case int:
		age = v
	case nil:
		return Participant{}, fmt.Errorf("participant age is required")
	default:
		return Participant{}, fmt.Errorf("age must be a number, got %T", v)
	}

	p := Participant{
		ID:     NormalizeParticipantID(id),
		Gender: gender,
		Age:    age,
		Smokes: smokes,
	}
	return p, p.Validate()
}

func (c *experimentController) currentSession() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *experimentController) handleAcknowledge(ctx context.Context) (map[string]interface{}, error) {
	s := c.currentSession()
	if s == nil {
		return nil, fmt.Errorf("no session in progress")
	}

	ackErr := s.send(ctx, eventAcknowledge)
	if ackErr != nil && !isAppliedTransition(ackErr) {
		return nil, ackErr
	}

	result := s.snapshot()
	result["state"] = "running"
	if ackErr != nil {
		result["device_error"] = ackErr.Error()
	}
	return result, nil
}

func (c *experimentController) handleStop(ctx context.Context) (map[string]interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return nil, fmt.Errorf("no session in progress")
	}
	return c.stopLocked(ctx)
}

// stopLocked ends the active session and writes its trials. c.mu must be held.
func (c *experimentController) stopLocked(ctx context.Context) (map[string]interface{}, error) {
	s := c.active
	c.active = nil

	trials, err := s.finish(ctx)
	result := map[string]interface{}{
		"session_id":       s.id,
		"completed_trials": len(trials),
	}

	if len(trials) > 0 {
		path, writeErr := writeSessionCSV(c.cfg.OutputDir, s.startedAt, trials, c.format)
		if writeErr != nil {
			c.logger.Errorf("session %s: saving trials: %v", s.id, writeErr)
			err = multierr.Append(err, writeErr)
		} else {
			c.logger.Infof("saved %d cycles to %s", len(trials), path)
			result["file"] = path
		}
	} else {
		c.logger.Infof("session %s ended without completed cycles, nothing saved", s.id)
	}

	if err != nil {
		return nil, err
	}
	return result, nil
}

// handleSetChannels is the manual override. It uses the same switch entry
// point as the session so the cached state matches the last command.
func (c *experimentController) handleSetChannels(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	ch1, _ := cmd["channel_1"].(bool)
	ch2, _ := cmd["channel_2"].(bool)
	if err := setChannels(ctx, c.olfactometer, ch1, ch2); err != nil {
		return nil, err
	}
	return c.GetState(ctx), nil
}

// GetState is what the session sensor reports.
func (c *experimentController) GetState(ctx context.Context) map[string]interface{} {
	var state map[string]interface{}
	if s := c.currentSession(); s != nil {
		state = s.snapshot()
		state["state"] = "running"
	} else {
		state = map[string]interface{}{"state": "idle"}
	}

	pos, err := c.olfactometer.GetPosition(ctx, nil)
	if err != nil {
		c.logger.Warnf("reading olfactometer position: %v", err)
		return state
	}
	ch1, ch2 := positionToChannels(pos)
	state["channel_1"] = ch1
	state["channel_2"] = ch2
	return state
}

func (c *experimentController) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return nil
	}
	_, err := c.stopLocked(ctx)
	return err
}
