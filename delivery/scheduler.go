package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultReconnectDebounce absorbs connect/disconnect flapping: any burst of
// connection-state changes inside this window collapses into one sweep.
const DefaultReconnectDebounce = time.Second

// Sweeper is the slice of the engine the scheduler drives.
type Sweeper interface {
	RetrySweep(ctx context.Context, senderID string) error
}

// RetryScheduler triggers retry sweeps on reconnect, app foreground, and
// conversation open. The engine's own in-flight guard keeps overlapping
// triggers from double-sending; the scheduler's job is debouncing and fan-in.
type RetryScheduler struct {
	sweeper     Sweeper
	localUserID string
	debounce    time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	closed bool

	wg  sync.WaitGroup
	log *logrus.Entry
}

// NewRetryScheduler builds a scheduler sweeping on behalf of localUserID.
func NewRetryScheduler(sweeper Sweeper, localUserID string, logger *logrus.Logger) (*RetryScheduler, error) {
	if sweeper == nil {
		return nil, errors.New("delivery: sweeper is required")
	}
	if localUserID == "" {
		return nil, errors.New("delivery: local user id is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RetryScheduler{
		sweeper:     sweeper,
		localUserID: localUserID,
		debounce:    DefaultReconnectDebounce,
		log:         logger.WithField("component", "retry_scheduler"),
	}, nil
}

// SetDebounce overrides the reconnect debounce window.
func (s *RetryScheduler) SetDebounce(d time.Duration) {
	if d <= 0 {
		d = DefaultReconnectDebounce
	}
	s.mu.Lock()
	s.debounce = d
	s.mu.Unlock()
}

// OnConnectionStateChanged is the transport's connection-state handler.
// A transition to connected arms the debounce timer; a drop inside the
// window disarms it, so a flap produces no sweep at all.
func (s *RetryScheduler) OnConnectionStateChanged(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !connected {
		return
	}

	s.timer = time.AfterFunc(s.debounce, func() {
		s.log.Debug("retry trigger: reconnected")
		s.trigger()
	})
}

// ConversationOpened triggers an immediate sweep when a conversation view
// becomes active.
func (s *RetryScheduler) ConversationOpened() {
	s.log.Debug("retry trigger: conversation opened")
	s.trigger()
}

// AppForegrounded triggers an immediate sweep when the application returns
// to the foreground.
func (s *RetryScheduler) AppForegrounded() {
	s.log.Debug("retry trigger: app foregrounded")
	s.trigger()
}

// Close cancels any armed debounce timer and waits for in-flight sweeps.
func (s *RetryScheduler) Close() {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *RetryScheduler) trigger() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := s.sweeper.RetrySweep(context.Background(), s.localUserID); err != nil {
			s.log.WithError(err).Warn("retry sweep failed")
		}
	}()
}
