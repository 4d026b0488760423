package reclaimer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrCycleInProgress is returned by RunOnce when another cycle holds the
// running flag.
var ErrCycleInProgress = errors.New("reclamation cycle already running")

// Store is the part of the admission record store the scheduler needs.
type Store interface {
	ScanKeys(ctx context.Context, cursor uint64, count int64) ([]string, uint64, error)
	ReclaimIfExpired(ctx context.Context, key string, now time.Time) (bool, error)
}

type Config struct {
	Interval         time.Duration // Default: 1 minute
	BatchSize        int64         // Keys per scan page. Default: 200
	DeletesPerSecond float64       // Store calls per second. 0 means unpaced
	CycleTimeout     time.Duration // Default: Interval
}

// CycleStats summarises one reclamation pass.
type CycleStats struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Scanned   int           `json:"scanned"`
	Deleted   int           `json:"deleted"`
	Failed    int           `json:"failed"`
}

// Scheduler periodically deletes fully expired admission records.
type Scheduler struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time

	interval  time.Duration
	batchSize int64
	timeout   time.Duration
	pace      rate.Limit

	mu           sync.Mutex
	running      bool
	cycleRunning bool
	stopChan     chan struct{}
	done         chan struct{}
	last         *CycleStats
	totalDeleted int64
	skipped      int64
}

func New(store Store, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = cfg.Interval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pace := rate.Inf
	if cfg.DeletesPerSecond > 0 {
		pace = rate.Limit(cfg.DeletesPerSecond)
	}

	return &Scheduler{
		store:     store,
		logger:    logger,
		now:       time.Now,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		timeout:   cfg.CycleTimeout,
		pace:      pace,
	}
}

// Start begins periodic cycles. Calling Start on a running scheduler is a
// no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stopChan, s.done
	s.mu.Unlock()

	s.logger.Info("reclamation scheduler started", zap.Duration("interval", s.interval))

	go func() {
		defer close(done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.tick(stop)
			case <-stop:
				return
			}
		}
	}()
}

func (s *Scheduler) tick(stop <-chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	// Abort an in-flight cycle when the scheduler stops.
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrCycleInProgress) {
		s.logger.Error("reclamation cycle failed", zap.Error(err))
	}
}

// Stop ends periodic cycles and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopChan)
	s.running = false
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info("reclamation scheduler stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastCycle returns the stats of the most recent completed cycle, or nil.
func (s *Scheduler) LastCycle() *CycleStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	last := *s.last
	return &last
}

// Totals returns records deleted and cycles skipped since creation.
func (s *Scheduler) Totals() (deleted, skipped int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalDeleted, s.skipped
}

// RunOnce performs one full pass over the record index. If another pass is
// still running it returns ErrCycleInProgress without doing anything.
func (s *Scheduler) RunOnce(ctx context.Context) (CycleStats, error) {
	s.mu.Lock()
	if s.cycleRunning {
		s.skipped++
		s.mu.Unlock()
		s.logger.Warn("skipping reclamation cycle, previous one still running")
		return CycleStats{}, ErrCycleInProgress
	}
	s.cycleRunning = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.cycleRunning = false
		s.mu.Unlock()
	}()

	stats, err := s.run(ctx)

	s.mu.Lock()
	s.last = &stats
	s.totalDeleted += int64(stats.Deleted)
	s.mu.Unlock()

	s.logger.Info("reclamation cycle finished",
		zap.Int("scanned", stats.Scanned),
		zap.Int("deleted", stats.Deleted),
		zap.Int("failed", stats.Failed),
		zap.Duration("duration", stats.Duration),
	)

	return stats, err
}

func (s *Scheduler) run(ctx context.Context) (stats CycleStats, err error) {
	stats.StartedAt = s.now()
	limiter := rate.NewLimiter(s.pace, 1)

	defer func() {
		stats.Duration = s.now().Sub(stats.StartedAt)
	}()

	var cursor uint64
	for {
		keys, next, err := s.store.ScanKeys(ctx, cursor, s.batchSize)
		if err != nil {
			return stats, err
		}

		for _, key := range keys {
			if err := limiter.Wait(ctx); err != nil {
				return stats, err
			}

			stats.Scanned++
			deleted, err := s.store.ReclaimIfExpired(ctx, key, s.now())
			if err != nil {
				stats.Failed++
				s.logger.Debug("reclaim failed", zap.String("key", key), zap.Error(err))
				continue
			}
			if deleted {
				stats.Deleted++
			}
		}

		if next == 0 {
			return stats, nil
		}
		cursor = next
	}
}
