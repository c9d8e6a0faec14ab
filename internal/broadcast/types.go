// Package broadcast delivers wall messages to every known chat: the configured
// broadcast chats plus the sessions the router has seen.
package broadcast

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"haltbot/internal/runtime/supervisor"
	"haltbot/internal/transport"
	"haltbot/pkg/logx"
)

var (
	ErrDisabled   = errors.New("broadcast: disabled")
	ErrNoTargets  = errors.New("broadcast: no targets")
	ErrQueueFull  = errors.New("broadcast: queue full")
	ErrNotRunning = errors.New("broadcast: not running")
)

type Config struct {
	Enabled    bool
	Workers    int
	QueueSize  int
	RatePerSec int
	RetryMax   int
	RetryBase  time.Duration
	// ChatIDs always receive wall messages.
	ChatIDs []int64
}

// TargetSource lists chats that should receive a wall message in addition to
// Config.ChatIDs. router.Sessions implements it.
type TargetSource interface {
	Targets() []transport.ChatTarget
}

// Recorder observes per-chat delivery outcomes. metrics.Metrics implements it.
type Recorder interface {
	Broadcast(ok bool)
}

type job struct {
	id      string
	targets []transport.ChatTarget
	text    string
	opt     *transport.SendOptions
}

type JobStatus struct {
	ID       string
	Total    int
	Done     int
	Failed   int
	Failures []transport.ChatTarget
	// CreatedAt is set when the job is accepted, even if it never starts.
	CreatedAt time.Time
	StartedAt time.Time
	DoneAt    time.Time
	Running   bool
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	sender  transport.Sender
	source  TargetSource
	rec     Recorder
	log     logx.Logger
	limiter *rate.Limiter
	sup     *supervisor.Supervisor

	queue chan job
	seq   uint64

	statusMu  sync.RWMutex
	status    map[string]*JobStatus
	statusMax int
	statusTTL time.Duration

	now func() time.Time
}

type Option func(*Service)

func WithTargetSource(src TargetSource) Option { return func(s *Service) { s.source = src } }

func WithRecorder(r Recorder) Option { return func(s *Service) { s.rec = r } }
