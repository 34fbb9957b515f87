package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"concierge-agent/internal/domain"
	"concierge-agent/internal/repository"
)

// ErrTickInProgress is returned when a tick starts while the previous one is
// still running. The late tick is skipped, not queued.
var ErrTickInProgress = errors.New("reminder: previous tick still running")

// Sender delivers one reminder.
type Sender interface {
	Send(ctx context.Context, userID, text string) bool
}

// OptOutChecker reports the consent state of a user.
type OptOutChecker interface {
	IsOptedOut(ctx context.Context, userID string) (bool, error)
}

// SchedulerConfig holds configuration for the scheduler.
type SchedulerConfig struct {
	Interval time.Duration // How often meetings are evaluated
	Windows  Windows
}

// TickReport summarises one evaluation pass.
type TickReport struct {
	Items    int
	Sent     int
	OptedOut int
	Failed   int
}

// Scheduler evaluates every stored meeting on a fixed interval. Ticks never
// overlap.
type Scheduler struct {
	repo     *MeetingRepo
	optout   OptOutChecker
	sender   Sender
	messages *Messages
	windows  Windows
	interval time.Duration
	guard    *semaphore.Weighted
	now      func() time.Time

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	logger  *slog.Logger
}

func NewScheduler(repo *MeetingRepo, optout OptOutChecker, sender Sender, messages *Messages, cfg SchedulerConfig, logger *slog.Logger) (*Scheduler, error) {
	if repo == nil {
		return nil, errors.New("reminder: meeting repo must not be nil")
	}
	if optout == nil {
		return nil, errors.New("reminder: opt-out checker must not be nil")
	}
	if sender == nil {
		return nil, errors.New("reminder: sender must not be nil")
	}
	if messages == nil {
		var err error
		if messages, err = NewMessages("", ""); err != nil {
			return nil, err
		}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		repo:     repo,
		optout:   optout,
		sender:   sender,
		messages: messages,
		windows:  cfg.Windows,
		interval: cfg.Interval,
		guard:    semaphore.NewWeighted(1),
		now:      time.Now,
		stopCh:   make(chan struct{}),
		logger:   logger,
	}, nil
}

// Start begins the polling loop. The first tick runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info("reminder scheduler started", "interval", s.interval)
	return nil
}

// Stop ends the loop and waits for the current tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("reminder scheduler stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tickAsync(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reminder scheduler context cancelled")
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tickAsync(ctx)
		}
	}
}

// tickAsync runs a tick without blocking the ticker, so a slow tick shows up
// as a skipped one instead of a drifting schedule.
func (s *Scheduler) tickAsync(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrTickInProgress) {
			s.logger.Error("reminder tick failed", "err", err)
		}
	}()
}

// RunOnce evaluates every meeting once. It returns ErrTickInProgress without
// doing anything when another tick holds the guard.
func (s *Scheduler) RunOnce(ctx context.Context) (TickReport, error) {
	if !s.guard.TryAcquire(1) {
		s.logger.Warn("reminder tick skipped", "reason", "already_running")
		return TickReport{}, ErrTickInProgress
	}
	defer s.guard.Release(1)

	entries, err := s.repo.List(ctx)
	if err != nil {
		return TickReport{}, fmt.Errorf("reminder: RunOnce: %w", err)
	}
	report := TickReport{Items: len(entries)}
	for _, e := range entries {
		s.evaluate(ctx, e, &report)
	}
	if report.Sent > 0 || report.Failed > 0 {
		s.logger.Info("reminder tick done",
			"items", report.Items, "sent", report.Sent, "opted_out", report.OptedOut, "failed", report.Failed)
	}
	return report, nil
}

// evaluate checks both triggers of one meeting. They are independent: one
// tick may send both. The clock is read per trigger since every send before
// it waited out a delivery delay.
func (s *Scheduler) evaluate(ctx context.Context, e Entry, report *TickReport) {
	m := e.Meeting
	if now := s.now(); s.windows.DayOfDue(m, now) {
		if s.fire(ctx, e.UserID, TriggerDayOf, m, now, report) {
			m.Flags.DayOfSent = true
			s.persist(ctx, e.UserID, m)
		}
	}
	if now := s.now(); s.windows.LeadTimeDue(m, now) {
		if s.fire(ctx, e.UserID, TriggerLeadTime, m, now, report) {
			m.Flags.LeadTimeSent = true
			s.persist(ctx, e.UserID, m)
		}
	}
}

// fire sends one reminder. It returns true only after a successful send; in
// every other case the flag stays unset and a later tick inside the window
// tries again.
func (s *Scheduler) fire(ctx context.Context, userID string, trigger Trigger, m domain.Meeting, now time.Time, report *TickReport) bool {
	opted, err := s.optout.IsOptedOut(ctx, userID)
	if err != nil {
		s.logger.Warn("reminder: opt-out check failed", "user", userID, "trigger", string(trigger), "err", err)
		report.Failed++
		return false
	}
	if opted {
		s.logger.Debug("reminder: user opted out", "user", userID, "trigger", string(trigger))
		report.OptedOut++
		return false
	}

	minutes, _ := s.windows.MinutesUntil(m, now)
	text, err := s.messages.Render(trigger, m, minutes)
	if err != nil {
		s.logger.Error("reminder: render failed", "user", userID, "trigger", string(trigger), "err", err)
		report.Failed++
		return false
	}
	if !s.sender.Send(ctx, userID, text) {
		s.logger.Warn("reminder: send failed", "user", userID, "trigger", string(trigger))
		report.Failed++
		return false
	}
	report.Sent++
	return true
}

func (s *Scheduler) persist(ctx context.Context, userID string, m domain.Meeting) {
	if err := s.repo.UpdateFlags(ctx, userID, m); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Debug("reminder: meeting expired before write-back", "user", userID)
			return
		}
		s.logger.Error("reminder: flag write-back failed", "user", userID, "err", err)
	}
}
