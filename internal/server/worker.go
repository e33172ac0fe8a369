package server

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cwbudde/gdescent/internal/opt"
	"github.com/cwbudde/gdescent/internal/solve"
	"github.com/cwbudde/gdescent/internal/store"
)

// progressInterval throttles SSE progress broadcasts to 2 updates per second.
// The first iteration and the final state are always broadcast.
var progressInterval = 500 * time.Millisecond

// runJob executes an optimization job in the background.
// If runStore is not nil, the per-iteration trace is written next to the run
// record and the finished run is saved.
func runJob(ctx context.Context, jm *JobManager, runStore *store.FSStore, metrics *Metrics, jobID string) error {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	// A job cancelled before its worker started never runs
	select {
	case <-ctx.Done():
		markJobCancelled(jm, metrics, jobID)
		return ctx.Err()
	default:
	}

	err := jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateRunning
	})
	if err != nil {
		return err
	}
	metrics.jobStarted()

	slog.Info("Starting job", "job_id", jobID, "objective", job.Config.Objective, "method", job.Config.Method)

	var trace *store.TraceWriter
	if runStore != nil {
		trace, err = store.NewTraceWriter(runStore.BaseDir(), jobID, false)
		if err != nil {
			slog.Warn("Trace disabled for job", "job_id", jobID, "error", err)
			trace = nil
		}
	}

	progress := jobProgress(ctx, jm, metrics, jobID)
	if trace != nil {
		progress = opt.ChainProgress(progress, trace.Progress(false))
	}

	outcome, err := solve.Solve(job.Config, progress)

	// The trace is complete before the job is seen as finished
	if trace != nil {
		if cerr := trace.Close(); cerr != nil {
			slog.Warn("Failed to close trace", "job_id", jobID, "error", cerr)
		}
	}

	// Check for cancellation after optimization; mayfly only notices here
	if ctx.Err() != nil {
		markJobCancelled(jm, metrics, jobID)
		broadcastState(jm, jobID)
		return ctx.Err()
	}
	if err == nil && !finiteOutcome(outcome) {
		err = fmt.Errorf("non-finite result after %d iterations (%s)", outcome.Iterations, outcome.Reason)
	}
	if err != nil {
		markJobFailed(jm, metrics, jobID, err)
		broadcastState(jm, jobID)
		return err
	}

	if runStore != nil {
		if err := runStore.SaveRun(jobID, outcome.NewRun(jobID)); err != nil {
			// The job result stays available in memory
			slog.Error("Failed to save run", "job_id", jobID, "error", err)
		}
	}

	err = finishJob(jm, metrics, jobID, func(j *Job) {
		j.State = StateCompleted
		j.Config = outcome.Config
		j.Point = outcome.Point
		j.Value = outcome.Value
		j.InitialValue = outcome.InitialValue
		j.GradientNorm = outcome.GradientNorm
		j.Iterations = outcome.Iterations
		j.Evaluations = outcome.Evaluations
		j.Reason = string(outcome.Reason)
	})
	if err != nil {
		return err
	}

	slog.Info("Job completed",
		"job_id", jobID,
		"elapsed", outcome.Elapsed,
		"initial_value", outcome.InitialValue,
		"final_value", outcome.Value,
		"iterations", outcome.Iterations,
		"reason", outcome.Reason,
	)

	broadcastState(jm, jobID)
	return nil
}

// jobProgress mirrors every descent iteration into the job state, feeds the
// metrics and broadcasts throttled progress events. Returning the context
// error aborts the descent on cancellation.
func jobProgress(ctx context.Context, jm *JobManager, metrics *Metrics, jobID string) opt.ProgressFunc {
	var lastBroadcast time.Time
	return func(p opt.Progress) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		// The job keeps its last finite iterate; JSON cannot carry NaN or Inf
		if !finite(p.Value) || !finite(p.GradientNorm) || !finitePoint(p.Point) {
			metrics.iteration()
			return nil
		}

		point := append([]float64(nil), p.Point...)
		jm.UpdateJob(jobID, func(j *Job) {
			j.Point = point
			j.Value = p.Value
			j.GradientNorm = p.GradientNorm
			j.Iterations = p.Iteration
			if p.Iteration == 0 {
				j.InitialValue = p.Value
			}
		})
		metrics.iteration()

		if now := time.Now(); now.Sub(lastBroadcast) >= progressInterval {
			lastBroadcast = now
			jm.broadcaster.Broadcast(ProgressEvent{
				JobID:        jobID,
				State:        StateRunning,
				Iterations:   p.Iteration,
				Value:        p.Value,
				GradientNorm: p.GradientNorm,
				Timestamp:    now,
			})
		}
		return nil
	}
}

// broadcastState sends the job's current state to stream subscribers.
func broadcastState(jm *JobManager, jobID string) {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return
	}
	jm.broadcaster.Broadcast(newProgressEvent(job))
}

// finishJob moves a job into its terminal state and records it in the
// metrics under the same lock, so observers never see one without the other.
func finishJob(jm *JobManager, metrics *Metrics, jobID string, updateFn func(*Job)) error {
	endTime := time.Now()
	return jm.UpdateJob(jobID, func(j *Job) {
		wasRunning := j.State == StateRunning
		updateFn(j)
		j.EndTime = &endTime
		metrics.jobFinished(j, wasRunning)
	})
}

// markJobFailed marks a job as failed with an error message
func markJobFailed(jm *JobManager, metrics *Metrics, jobID string, err error) {
	finishJob(jm, metrics, jobID, func(j *Job) {
		j.State = StateFailed
		j.Error = err.Error()
	})
	slog.Error("Job failed", "job_id", jobID, "error", err)
}

// markJobCancelled marks a job as cancelled
func markJobCancelled(jm *JobManager, metrics *Metrics, jobID string) {
	finishJob(jm, metrics, jobID, func(j *Job) {
		j.State = StateCancelled
	})
	slog.Info("Job cancelled", "job_id", jobID)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func finiteOutcome(o *solve.Outcome) bool {
	return finite(o.Value) && finite(o.InitialValue) && finite(o.GradientNorm) && finitePoint(o.Point)
}

func finitePoint(point []float64) bool {
	for _, v := range point {
		if !finite(v) {
			return false
		}
	}
	return true
}
