package analysis

import (
	"context"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/kabletv/phantom/internal/gitx"
	"github.com/kabletv/phantom/internal/store"
)

// ScheduleOnMainChange is the schedule value the scheduler reacts to.
const ScheduleOnMainChange = "on_main_change"

// Scheduler reacts to git ref changes: when the default branch's head
// moves, it enqueues a run for every on_main_change preset that has no
// cached result for the new commit. Its jobs share the runner's permit
// semaphore, so scheduled work never stampedes past the concurrency cap.
type Scheduler struct {
	store         *store.Store
	repo          *gitx.Repo
	runner        *Runner
	watcher       *gitx.Watcher
	defaultBranch string
	tracer        oteltrace.Tracer

	stop chan struct{}
	done chan struct{}
}

// StartScheduler subscribes to the watcher and begins reacting to head
// changes. The watcher's own 60-second poll loop covers missed filesystem
// events by synthesizing HeadChanged on transition.
func StartScheduler(st *store.Store, repo *gitx.Repo, runner *Runner, watcher *gitx.Watcher, defaultBranch string) *Scheduler {
	s := &Scheduler{
		store:         st,
		repo:          repo,
		runner:        runner,
		watcher:       watcher,
		defaultBranch: defaultBranch,
		tracer:        otel.Tracer("phantom/scheduler"),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go s.run()
	return s
}

// Stop halts the scheduler. Queued jobs are not run; the caller marks them
// failed at shutdown.
func (s *Scheduler) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}

func (s *Scheduler) run() {
	defer close(s.done)

	lastSHA, err := s.repo.HeadCommit(s.defaultBranch)
	if err != nil {
		log.Printf("scheduler: resolve %s head: %v", s.defaultBranch, err)
	}

	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-s.watcher.Events():
			if !ok {
				return
			}
			_ = ev // both RefsChanged and HeadChanged re-check the head
			sha, err := s.repo.HeadCommit(s.defaultBranch)
			if err != nil {
				log.Printf("scheduler: resolve %s head: %v", s.defaultBranch, err)
				continue
			}
			if sha == lastSHA {
				continue
			}
			lastSHA = sha
			s.sweep(sha)
		}
	}
}

// sweep enqueues every scheduled preset missing a cached result for sha.
func (s *Scheduler) sweep(sha string) {
	ctx, span := s.tracer.Start(context.Background(), "scheduler.sweep",
		oteltrace.WithAttributes(attribute.String("commit", sha)))
	defer span.End()

	presets, err := s.store.ListAnalysisPresets(ctx)
	if err != nil {
		log.Printf("scheduler: list presets: %v", err)
		return
	}

	for _, preset := range presets {
		if preset.Schedule == nil || *preset.Schedule != ScheduleOnMainChange {
			continue
		}

		cached, err := s.store.FindCachedAnalysis(ctx, s.repo.Path, sha, preset.ID, 1, nil)
		if err != nil {
			log.Printf("scheduler: cache probe preset %d: %v", preset.ID, err)
			continue
		}
		if cached != nil {
			continue
		}

		if _, err := s.runner.RunAnalysis(ctx, preset.ID, s.defaultBranch, 1, nil); err != nil {
			// A failing preset never blocks the others.
			log.Printf("scheduler: enqueue preset %d: %v", preset.ID, err)
		}
	}
}
