package broadcast

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"haltbot/internal/runtime/supervisor"
	"haltbot/internal/transport"
	"haltbot/pkg/logx"
)

const (
	defaultWorkers   = 2
	defaultQueueSize = 64
	defaultRate      = 10
	defaultRetryBase = 200 * time.Millisecond
	maxFailures      = 200
)

func New(cfg Config, sender transport.Sender, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	qs := cfg.QueueSize
	if qs <= 0 {
		qs = defaultQueueSize
	}
	s := &Service{
		cfg:       cfg,
		sender:    sender,
		log:       log,
		limiter:   newLimiter(cfg.RatePerSec),
		queue:     make(chan job, qs),
		status:    map[string]*JobStatus{},
		statusMax: 200,
		statusTTL: 24 * time.Hour,
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func newLimiter(rps int) *rate.Limiter {
	if rps <= 0 {
		rps = defaultRate
	}
	return rate.NewLimiter(rate.Limit(rps), rps)
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config at runtime. Worker count and queue size only take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.RatePerSec != s.cfg.RatePerSec {
		s.limiter = newLimiter(cfg.RatePerSec)
	}
	s.cfg = cfg
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	workers := s.cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	for i := 0; i < workers; i++ {
		idx := i
		s.sup.GoRestart(fmt.Sprintf("broadcast.worker.%d", idx), func(ctx context.Context) error {
			s.worker(ctx)
			return nil
		})
	}
	s.log.Info("broadcast started", logx.Int("workers", workers), logx.Int("queue_cap", cap(s.queue)))
}

// Stop cancels the workers and waits for them, bounded by ctx. Queued jobs
// stay queued for a later Start.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	start := time.Now()
	err := sup.Stop(ctx)
	s.log.Info("broadcast stopped", logx.Duration("took", time.Since(start)))
	return err
}

// Broadcast queues text for every target and returns the job id. Delivery is
// asynchronous; per-chat failures are only visible through Status.
func (s *Service) Broadcast(ctx context.Context, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	cfg := s.cfg
	running := s.sup != nil
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	if !cfg.Enabled {
		return "", ErrDisabled
	}
	targets := s.targets(cfg.ChatIDs)
	if len(targets) == 0 {
		return "", ErrNoTargets
	}
	if !running {
		return "", ErrNotRunning
	}

	now := s.now()
	id := fmt.Sprintf("bc:%d:%d", now.UnixNano(), seq)
	s.pruneStatus(now)
	s.statusMu.Lock()
	s.status[id] = &JobStatus{ID: id, Total: len(targets), CreatedAt: now}
	s.statusMu.Unlock()

	select {
	case s.queue <- job{id: id, targets: targets, text: text}:
		s.log.Debug("broadcast job enqueued", logx.String("job", id), logx.Int("total", len(targets)), logx.Int("queue_len", len(s.queue)))
		return id, nil
	default:
		s.log.Warn("broadcast queue full; dropping job", logx.String("job", id), logx.Int("queue_cap", cap(s.queue)))
		s.statusMu.Lock()
		if st := s.status[id]; st != nil {
			st.DoneAt = s.now()
			st.Failed = st.Total
		}
		s.statusMu.Unlock()
		return id, ErrQueueFull
	}
}

// targets merges the configured chats with the tracked sessions, without
// duplicates, in a stable order.
func (s *Service) targets(chatIDs []int64) []transport.ChatTarget {
	seen := map[transport.ChatTarget]struct{}{}
	out := make([]transport.ChatTarget, 0, len(chatIDs))
	add := func(t transport.ChatTarget) {
		if t.ChatID == 0 {
			return
		}
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	for _, id := range chatIDs {
		add(transport.ChatTarget{ChatID: id})
	}
	if s.source != nil {
		for _, t := range s.source.Targets() {
			add(t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ChatID != out[j].ChatID {
			return out[i].ChatID < out[j].ChatID
		}
		return out[i].ThreadID < out[j].ThreadID
	})
	return out
}

func (s *Service) Status(id string) (JobStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[id]
	if !ok || st == nil {
		return JobStatus{}, false
	}
	cp := *st
	cp.Failures = append([]transport.ChatTarget(nil), st.Failures...)
	return cp, true
}

// pruneStatus drops finished entries older than statusTTL and then the oldest
// finished entries until the map fits statusMax.
func (s *Service) pruneStatus(now time.Time) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	for id, st := range s.status {
		if !st.Running && now.Sub(st.CreatedAt) > s.statusTTL {
			delete(s.status, id)
		}
	}
	if len(s.status) < s.statusMax {
		return
	}
	ids := make([]string, 0, len(s.status))
	for id, st := range s.status {
		if !st.Running {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.status[ids[i]].CreatedAt.Before(s.status[ids[j]].CreatedAt)
	})
	for _, id := range ids {
		if len(s.status) < s.statusMax {
			break
		}
		delete(s.status, id)
	}
}
