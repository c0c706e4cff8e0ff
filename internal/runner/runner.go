// Package runner executes independent simulation runs concurrently. Runs
// share nothing, so the outcome of each is the same as running it alone.
package runner

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"marketsim/internal/common"
	"marketsim/internal/engine"
)

const (
	TASK_CHAN_SIZE = 100
)

// Job is one run. Ticks, when set, are replayed instead of fetching the
// selected history from the engine's source.
type Job struct {
	Name     string
	Engine   *engine.Engine
	Selector engine.Selector
	Ticks    []common.MarketTick
}

type Outcome struct {
	RunID   string
	Name    string
	Result  engine.Result
	Err     error
	Elapsed time.Duration
}

type task struct {
	index int
	job   Job
}

type WorkerPool struct {
	n     int       // number of workers
	tasks chan task // task queue
}

func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{n: size}
}

// Run executes every job and returns their outcomes in job order. A job
// that fails is reported in its Outcome and does not stop the others. The
// returned error is only set when ctx ends before all jobs ran; jobs that
// never started then carry it as their Err.
func (pool *WorkerPool) Run(ctx context.Context, jobs []Job) ([]Outcome, error) {
	outcomes := make([]Outcome, len(jobs))
	pool.tasks = make(chan task, TASK_CHAN_SIZE)

	t, runCtx := tomb.WithContext(ctx)

	// Workers block on the queue until it is closed, so the tomb stays
	// alive while the producer is started.
	for id := 0; id < pool.n; id++ {
		t.Go(func() error {
			return pool.worker(runCtx, t, id, outcomes)
		})
	}
	t.Go(func() error {
		defer close(pool.tasks)
		for i, job := range jobs {
			select {
			case pool.tasks <- task{index: i, job: job}:
			case <-t.Dying():
				return nil
			}
		}
		return nil
	})

	err := t.Wait()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		// Only execute sets a RunID, so these jobs were never started.
		for i := range outcomes {
			if outcomes[i].RunID == "" {
				outcomes[i].Name = jobs[i].Name
				outcomes[i].Err = err
			}
		}
	}
	return outcomes, err
}

// Workers take jobs off the queue until it is drained or the tomb dies.
// Each outcome slot is written by exactly one worker.
func (pool *WorkerPool) worker(ctx context.Context, t *tomb.Tomb, id int, outcomes []Outcome) error {
	for task := range pool.tasks {
		select {
		case <-t.Dying():
			return nil
		default:
		}

		out := execute(ctx, task.job)
		outcomes[task.index] = out
		if out.Err != nil {
			log.Error().Err(out.Err).Int("worker", id).Str("run", out.RunID).Str("job", out.Name).Msg("run failed")
			continue
		}
		log.Info().
			Int("worker", id).
			Str("run", out.RunID).
			Str("job", out.Name).
			Int("trades", len(out.Result.Trades)).
			Float64("final_equity", out.Result.FinalEquity).
			Dur("elapsed", out.Elapsed).
			Msg("run finished")
	}
	return nil
}

func execute(ctx context.Context, job Job) Outcome {
	out := Outcome{RunID: uuid.NewString(), Name: job.Name}
	started := time.Now()

	if job.Ticks != nil {
		out.Err = job.Engine.Replay(ctx, job.Ticks)
	} else {
		out.Err = job.Engine.Run(ctx, job.Selector)
	}
	out.Elapsed = time.Since(started)
	out.Result = job.Engine.Result()
	return out
}
