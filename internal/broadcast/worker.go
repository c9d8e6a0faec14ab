package broadcast

import (
	"context"
	"time"

	"haltbot/internal/transport"
	"haltbot/pkg/logx"
)

func (s *Service) worker(ctx context.Context) {
	for {
		// stop wins over queued work
		select {
		case <-ctx.Done():
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case j := <-s.queue:
			s.execJob(ctx, j)
		}
	}
}

func (s *Service) execJob(ctx context.Context, j job) {
	start := time.Now()
	s.setRunning(j.id)

	for _, t := range j.targets {
		err := s.sendOne(ctx, j.id, t, j.text, j.opt)
		s.mark(j.id, t, err)
		if s.rec != nil {
			s.rec.Broadcast(err == nil)
		}
	}
	st := s.finish(j.id)

	fields := []logx.Field{
		logx.String("job", j.id),
		logx.Int("total", st.Total),
		logx.Int("failed", st.Failed),
		logx.Duration("dur", time.Since(start)),
	}
	if st.Failed > 0 {
		s.log.Warn("broadcast job finished with failures", fields...)
		return
	}
	s.log.Info("broadcast job finished", fields...)
}

func (s *Service) sendOne(ctx context.Context, jobID string, t transport.ChatTarget, text string, opt *transport.SendOptions) error {
	s.mu.Lock()
	lim := s.limiter
	retry := s.cfg.RetryMax
	base := s.cfg.RetryBase
	s.mu.Unlock()
	if base <= 0 {
		base = defaultRetryBase
	}

	var last error
	for i := 0; i <= retry; i++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		_, err := s.sender.SendText(ctx, t, text, opt)
		if err == nil {
			return nil
		}
		last = err
		if i == retry {
			break
		}
		delay := base + time.Duration(i)*base/2
		s.log.Debug("broadcast send retry scheduled", logx.String("job", jobID), logx.Int64("chat_id", t.ChatID), logx.Int("attempt", i+2), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return ctx.Err()
		case <-tmr.C:
		}
	}
	s.log.Warn("broadcast send failed", logx.String("job", jobID), logx.Int64("chat_id", t.ChatID), logx.Int("thread_id", t.ThreadID), logx.Err(last))
	return last
}

func (s *Service) setRunning(id string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.StartedAt = s.now()
		st.Running = true
	}
}

func (s *Service) mark(id string, t transport.ChatTarget, err error) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	st := s.status[id]
	if st == nil {
		return
	}
	st.Done++
	if err != nil {
		st.Failed++
		if len(st.Failures) < maxFailures {
			st.Failures = append(st.Failures, t)
		}
	}
}

func (s *Service) finish(id string) JobStatus {
	now := s.now()
	s.statusMu.Lock()
	var out JobStatus
	if st := s.status[id]; st != nil {
		st.DoneAt = now
		st.Running = false
		out = *st
	}
	s.statusMu.Unlock()
	s.pruneStatus(now)
	return out
}
