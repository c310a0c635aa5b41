package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/pepperpark/mailshift/internal/migrate"
)

// Scheduler runs enabled job records on their cron or interval schedule.
// A job never overlaps itself.
type Scheduler struct {
	store    Store
	registry *Registry
	cron     *gocron.Scheduler
	now      func() time.Time

	mu        sync.Mutex
	ctx       context.Context
	scheduled map[string]string // job id -> schedule key
}

func NewScheduler(store Store, registry *Registry) *Scheduler {
	cron := gocron.NewScheduler(time.Local)
	cron.SingletonModeAll()
	cron.WaitForScheduleAll()
	return &Scheduler{
		store:     store,
		registry:  registry,
		cron:      cron,
		now:       time.Now,
		ctx:       context.Background(),
		scheduled: make(map[string]string),
	}
}

// Start begins executing scheduled jobs in the background. ctx is passed
// to every execution.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.StartAsync()
}

// Stop halts the scheduler; running jobs finish on their own.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// Reload syncs the schedule with the store: new or changed enabled
// records are (re)scheduled, removed or disabled ones are dropped.
func (s *Scheduler) Reload(ctx context.Context) error {
	recs, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]Record, len(recs))
	for _, r := range recs {
		if r.Enabled {
			want[r.ID] = r
		}
	}
	for id := range s.scheduled {
		if r, ok := want[id]; !ok || scheduleKey(r) != s.scheduled[id] {
			_ = s.cron.RemoveByTag(id)
			delete(s.scheduled, id)
			log.Printf("[jobs] unscheduled %s", id)
		}
	}
	var errs []error
	for id, r := range want {
		if _, ok := s.scheduled[id]; ok {
			continue
		}
		if err := r.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := s.registry.Lookup(r.Type); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", id, err))
			continue
		}
		if _, err := schedule(s.cron, r).Tag(id).Do(s.execute, id); err != nil {
			errs = append(errs, fmt.Errorf("job %s: schedule %q: %w", id, r.Schedule(), err))
			continue
		}
		s.scheduled[id] = scheduleKey(r)
		log.Printf("[jobs] scheduled %s (%s, %s)", id, r.Type, r.Schedule())
	}
	return errors.Join(errs...)
}

// NextRun reports when job id fires next, zero if it is not scheduled.
func (s *Scheduler) NextRun(id string) time.Time {
	jobs, err := s.cron.FindJobsByTag(id)
	if err != nil || len(jobs) == 0 {
		return time.Time{}
	}
	return jobs[0].NextRun()
}

func (s *Scheduler) execute(id string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if _, err := s.RunNow(ctx, id); err != nil {
		log.Printf("[jobs] %s: %v", id, err)
	}
}

// RunNow executes job id synchronously and records the outcome: status
// running, then success or error with the run summary.
func (s *Scheduler) RunNow(ctx context.Context, id string) (migrate.Summary, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return migrate.Summary{}, err
	}
	h, err := s.registry.Lookup(rec.Type)
	if err != nil {
		return migrate.Summary{}, err
	}

	started := s.now()
	err = Update(ctx, s.store, id, func(r *Record) error {
		r.LastRun = &started
		r.Status = StatusRunning
		return nil
	})
	if err != nil {
		return migrate.Summary{}, err
	}
	log.Printf("[jobs] %s: running %s with %s", id, rec.Type, rec.ConfigFile)

	var sum migrate.Summary
	cfg, runErr := h.LoadConfig(rec.ConfigFile)
	if runErr == nil {
		cfg.Options.Quiet = true
		sum, runErr = h.Migrate(ctx, cfg)
	}

	finished := s.now()
	// the job's outcome is recorded even when ctx was cancelled
	err = Update(context.WithoutCancel(ctx), s.store, id, func(r *Record) error {
		if runErr != nil {
			r.Status = StatusError
			r.LastError = runErr.Error()
		} else {
			r.Status = StatusSuccess
			r.LastError = ""
			r.LastSuccess = &finished
		}
		if cfg != nil {
			r.LastSummary = &sum
		}
		return nil
	})
	if runErr != nil {
		return sum, runErr
	}
	if err != nil {
		return sum, err
	}
	log.Printf("[jobs] %s: transferred %d, skipped %d, failed %d, deleted %d",
		id, sum.Transferred, sum.Skipped, sum.Failed, sum.Deleted)
	return sum, nil
}

// ValidateSchedule checks that the record's cron expression or interval
// is accepted by the scheduler.
func ValidateSchedule(r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	cron := gocron.NewScheduler(time.UTC)
	defer cron.Clear()
	if _, err := schedule(cron, r).Do(func() {}); err != nil {
		return fmt.Errorf("job %s: %s: %w", r.ID, r.Schedule(), err)
	}
	return nil
}

func schedule(cron *gocron.Scheduler, r Record) *gocron.Scheduler {
	if r.Cron != "" {
		return cron.Cron(r.Cron)
	}
	d, _ := time.ParseDuration(r.Interval)
	return cron.Every(d)
}

func scheduleKey(r Record) string {
	return r.Type + "|" + r.ConfigFile + "|" + r.Cron + "|" + r.Interval
}
