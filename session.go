package olfactoryreaction

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.viam.com/rdk/logging"
)

var errSessionClosed = errors.New("session is no longer running")

// transitionError reports a device failure on an event the machine did
// apply. Callers must not retry the event.
type transitionError struct {
	err error
}

func (e *transitionError) Error() string { return e.err.Error() }

func (e *transitionError) Unwrap() error { return e.err }

// isAppliedTransition reports whether err came from an event that still
// moved the machine.
func isAppliedTransition(err error) bool {
	var te *transitionError
	return errors.As(err, &te)
}

type eventKind int

const (
	eventAcknowledge eventKind = iota
	eventElapsed
	eventStop
)

type event struct {
	kind  eventKind
	token uint64
	reply chan error
}

// session runs one participant's experiment. All machine transitions happen
// on the loop goroutine, one event at a time.
type session struct {
	id        string
	startedAt time.Time
	logger    logging.Logger

	events chan event
	done   chan struct{}

	mu        sync.Mutex
	m         *machine
	lastErr   error
	completed []TrialRecord
}

func newSession(m *machine, logger logging.Logger) *session {
	s := &session{
		id:        uuid.NewString(),
		startedAt: m.clk.Now(),
		logger:    logger,
		events:    make(chan event, 16),
		done:      make(chan struct{}),
		m:         m,
	}
	m.onElapsed = s.post
	return s
}

// start enters the first cycle and begins consuming events.
func (s *session) start(ctx context.Context) error {
	s.mu.Lock()
	err := s.m.begin(ctx)
	if err != nil {
		err = &transitionError{err: err}
	}
	s.recordErr(err)
	s.mu.Unlock()

	go s.loop()
	return err
}

// post queues a timer event. It never blocks once the session has ended.
func (s *session) post(token uint64) {
	select {
	case s.events <- event{kind: eventElapsed, token: token}:
	case <-s.done:
	}
}

// send queues ev and waits for the loop to apply it.
func (s *session) send(ctx context.Context, kind eventKind) error {
	reply := make(chan error, 1)
	select {
	case s.events <- event{kind: kind, reply: reply}:
	case <-s.done:
		return errSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		// The loop answers before closing done; prefer that answer.
		select {
		case err := <-reply:
			return err
		default:
			return errSessionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) loop() {
	defer close(s.done)
	ctx := context.Background()
	for ev := range s.events {
		stop := s.handle(ctx, ev)
		if stop {
			s.rejectPending()
			return
		}
	}
}

// rejectPending answers events that were queued behind the stop.
func (s *session) rejectPending() {
	for {
		select {
		case ev := <-s.events:
			if ev.reply != nil {
				ev.reply <- errSessionClosed
			}
		default:
			return
		}
	}
}

func (s *session) handle(ctx context.Context, ev event) (stop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	switch ev.kind {
	case eventAcknowledge:
		err = s.m.acknowledge(ctx)
	case eventElapsed:
		var applied bool
		applied, err = s.m.elapse(ctx, ev.token)
		if !applied {
			s.logger.Debugf("dropping stale timer event (token %d, current %d)", ev.token, s.m.token)
		}
	case eventStop:
		s.completed = s.m.completedTrials()
		err = s.m.stop(ctx)
		stop = true
	}

	if err != nil {
		s.logger.Warnf("session %s: %v", s.id, err)
		// The machine never rolls back, so every error here follows an
		// applied transition or a completed stop.
		err = &transitionError{err: err}
	}
	s.recordErr(err)
	if ev.reply != nil {
		ev.reply <- err
	}
	return stop
}

func (s *session) recordErr(err error) {
	if err != nil {
		s.lastErr = err
	}
}

// finish stops the loop and returns the completed trials.
func (s *session) finish(ctx context.Context) ([]TrialRecord, error) {
	err := s.send(ctx, eventStop)
	select {
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed, err
}

// snapshot is the collaborator-visible view of the session.
func (s *session) snapshot() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := map[string]interface{}{
		"session_id":       s.id,
		"session_start":    s.startedAt.Format(time.RFC3339),
		"participant":      s.m.participant.ID,
		"stage":            s.m.stage.String(),
		"display_text":     s.m.stage.DisplayText(),
		"progress_text":    s.m.progressText(),
		"completed_trials": len(s.m.completed),
		"target_trials":    2 * s.m.cfg.balancedCount,
		"reversed":         s.m.reversed,
		"batch_remaining":  s.m.pool.Remaining(),
	}
	if s.m.trial != nil {
		state["first_scent"] = s.m.trial.FirstScent
		state["second_scent"] = s.m.trial.SecondScent
	}
	if s.lastErr != nil {
		state["last_device_error"] = s.lastErr.Error()
	}
	return state
}
