package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// keepaliveInterval is how often an idle stream sends an SSE comment.
var keepaliveInterval = 30 * time.Second

// subscriberBuffer is the number of events a slow stream may lag behind
// before events are dropped for it.
const subscriberBuffer = 16

// ProgressEvent is one update on a job's progress stream.
type ProgressEvent struct {
	JobID        string    `json:"jobId"`
	State        JobState  `json:"state"`
	Iterations   int       `json:"iterations"`
	Value        float64   `json:"value"`
	GradientNorm float64   `json:"gradientNorm"`
	Reason       string    `json:"reason,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// newProgressEvent describes the current state of job.
func newProgressEvent(job *Job) ProgressEvent {
	return ProgressEvent{
		JobID:        job.ID,
		State:        job.State,
		Iterations:   job.Iterations,
		Value:        job.Value,
		GradientNorm: job.GradientNorm,
		Reason:       job.Reason,
		Error:        job.Error,
		Timestamp:    time.Now(),
	}
}

// name is the SSE event type: "done" once the job has ended, else "progress".
func (e ProgressEvent) name() string {
	if e.State.Terminal() {
		return "done"
	}
	return "progress"
}

// EventBroadcaster fans progress events out to the streams watching a job.
// It remembers the latest event per job so a stream opened mid-run starts
// from the current state.
type EventBroadcaster struct {
	mu          sync.Mutex
	subscribers map[string]map[chan ProgressEvent]struct{}
	latest      map[string]ProgressEvent
}

// NewEventBroadcaster creates an empty broadcaster.
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		subscribers: make(map[string]map[chan ProgressEvent]struct{}),
		latest:      make(map[string]ProgressEvent),
	}
}

// Subscribe registers a stream for jobID. The latest event, if any, is
// already queued on the returned channel.
func (eb *EventBroadcaster) Subscribe(jobID string) chan ProgressEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan ProgressEvent, subscriberBuffer)
	if eb.subscribers[jobID] == nil {
		eb.subscribers[jobID] = make(map[chan ProgressEvent]struct{})
	}
	eb.subscribers[jobID][ch] = struct{}{}

	if event, ok := eb.latest[jobID]; ok {
		ch <- event
	}

	slog.Debug("Progress stream subscribed", "job_id", jobID, "subscribers", len(eb.subscribers[jobID]))
	return ch
}

// Unsubscribe removes and closes ch.
func (eb *EventBroadcaster) Unsubscribe(jobID string, ch chan ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs, ok := eb.subscribers[jobID]
	if !ok {
		return
	}
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(eb.subscribers, jobID)
	}

	slog.Debug("Progress stream unsubscribed", "job_id", jobID)
}

// Broadcast records event as the job's latest and queues it on every
// subscriber. A subscriber whose buffer is full misses the event; the
// terminal event is still remembered for the next Subscribe.
func (eb *EventBroadcaster) Broadcast(event ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.latest[event.JobID] = event

	for ch := range eb.subscribers[event.JobID] {
		select {
		case ch <- event:
		default:
			slog.Warn("Progress stream lagging, dropping event", "job_id", event.JobID, "iterations", event.Iterations)
		}
	}
}

// handleJobStream handles GET /api/v1/jobs/:id/stream.
//
// The stream opens with the job's current state and ends after the event
// that carries a terminal state.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events := s.jobManager.broadcaster.Subscribe(jobID)
	defer s.jobManager.broadcaster.Unsubscribe(jobID, events)

	sent := -1
	send := func(event ProgressEvent) bool {
		// The replayed event can predate the snapshot
		if !event.State.Terminal() && event.Iterations < sent {
			return true
		}
		sent = event.Iterations
		if err := writeSSEEvent(w, event); err != nil {
			slog.Debug("Progress stream write failed", "job_id", jobID, "error", err)
			return false
		}
		flusher.Flush()
		return !event.State.Terminal()
	}

	if !send(newProgressEvent(job)) {
		return
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Debug("Progress stream closed by client", "job_id", jobID)
			return
		case event, ok := <-events:
			if !ok || !send(event) {
				return
			}
		case <-keepalive.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes event as a named SSE message whose id is the
// iteration count.
func writeSSEEvent(w io.Writer, event ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", event.name(), event.Iterations, data)
	return err
}
