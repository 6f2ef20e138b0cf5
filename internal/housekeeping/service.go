// Package housekeeping runs the relay's periodic jobs (stats log, store
// refresh, audit pruning) on cron schedules that can change at runtime.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "notifyrelay/pkg/logx"
)

// Job names used by the relay.
const (
	JobStats   = "stats"
	JobRefresh = "refresh"
	JobPrune   = "prune"
)

var ErrUnknownJob = errors.New("housekeeping: unknown job")

// Config maps job names to cron specs. A job without a schedule only runs
// through RunNow.
type Config struct {
	Enabled   bool
	Timezone  string
	Schedules map[string]string
}

// Func is one unit of housekeeping work.
type Func func(ctx context.Context) error

type JobStatus struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule,omitempty"`
	Next     time.Time `json:"next,omitempty"`
	LastRun  time.Time `json:"last_run,omitempty"`
	LastErr  string    `json:"last_err,omitempty"`
	Runs     uint64    `json:"runs"`
}

type jobState struct {
	fn      Func
	entry   cron.EntryID
	lastRun time.Time
	lastErr string
	runs    uint64
}

type Service struct {
	log     logx.Logger
	parser  cron.Parser
	timeout time.Duration

	mu   sync.Mutex
	cfg  Config
	jobs map[string]*jobState
	c    *cron.Cron
	ctx  context.Context
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "housekeeping")),
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		timeout: time.Minute,
		jobs:    map[string]*jobState{},
	}
}

// Register adds a job. Registering after Start takes effect on the next Apply.
func (s *Service) Register(name string, fn Func) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[name] = &jobState{fn: fn}
}

// Start begins triggering. Jobs run with a context derived from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	s.rebuildLocked()
}

// Apply swaps the config and re-registers schedules if running.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if s.ctx != nil {
		s.rebuildLocked()
	}
}

// Stop stops triggering and waits for running jobs, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.ctx = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// rebuildLocked replaces the cron instance; cron entries cannot be
// rescheduled in place.
func (s *Service) rebuildLocked() {
	if s.c != nil {
		// don't wait: a long job would block the config reload
		s.c.Stop()
		s.c = nil
	}
	for _, j := range s.jobs {
		j.entry = 0
	}
	if !s.cfg.Enabled {
		s.log.Debug("housekeeping disabled")
		return
	}

	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		}
	}

	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	scheduled := 0
	for name, j := range s.jobs {
		spec := strings.TrimSpace(s.cfg.Schedules[name])
		if spec == "" {
			continue
		}
		name := name
		id, err := c.AddFunc(spec, func() { _ = s.run(name) })
		if err != nil {
			s.log.Warn("invalid schedule", logx.String("job", name), logx.String("spec", spec), logx.Err(err))
			continue
		}
		j.entry = id
		scheduled++
	}
	c.Start()
	s.c = c
	s.log.Info("housekeeping started", logx.String("tz", loc.String()), logx.Int("scheduled", scheduled))
}

// RunNow runs a job synchronously, outside its schedule.
func (s *Service) RunNow(name string) error {
	return s.run(name)
}

func (s *Service) run(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	parent := s.ctx
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if parent == nil {
		parent = context.Background()
	}

	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()
	start := time.Now()
	err := j.fn(ctx)

	s.mu.Lock()
	j.lastRun = start
	j.runs++
	j.lastErr = ""
	if err != nil {
		j.lastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("job failed", logx.String("job", name), logx.Duration("took", time.Since(start)), logx.Err(err))
	} else {
		s.log.Debug("job done", logx.String("job", name), logx.Duration("took", time.Since(start)))
	}
	return err
}

// Snapshot reports every registered job, sorted by name.
func (s *Service) Snapshot() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for name, j := range s.jobs {
		st := JobStatus{Name: name, LastRun: j.lastRun, LastErr: j.lastErr, Runs: j.runs}
		if j.entry != 0 && s.c != nil {
			st.Schedule = strings.TrimSpace(s.cfg.Schedules[name])
			st.Next = s.c.Entry(j.entry).Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
