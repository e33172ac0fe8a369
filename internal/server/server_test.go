package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cwbudde/gdescent/internal/store"
)

func postJob(t *testing.T, baseURL string, config map[string]interface{}) Job {
	t.Helper()

	body, _ := json.Marshal(config)
	resp, err := http.Post(baseURL+"/api/v1/jobs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 201, got %d: %s", resp.StatusCode, msg)
	}

	var job Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatalf("Failed to decode job: %v", err)
	}
	return job
}

// waitForState polls the job until it reaches a terminal state.
func waitForState(t *testing.T, baseURL, jobID string) map[string]interface{} {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(baseURL + "/api/v1/jobs/" + jobID + "/status")
		if err != nil {
			t.Fatalf("Failed to get status: %v", err)
		}
		var status map[string]interface{}
		json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()

		if JobState(fmt.Sprint(status["state"])).Terminal() {
			return status
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Job %s did not finish in time", jobID)
	return nil
}

func TestServer_CreateJob(t *testing.T) {
	s := NewServer(":8080", nil)
	defer s.Shutdown(context.Background())

	config := map[string]interface{}{
		"objective":     "sphere",
		"stepSize":      0.1,
		"maxIterations": 10,
	}

	body, _ := json.Marshal(config)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader(body))
	w := httptest.NewRecorder()

	s.handleCreateJob(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var job Job
	if err := json.NewDecoder(w.Body).Decode(&job); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if job.ID == "" {
		t.Error("Job ID should not be empty")
	}
	if job.State != StatePending {
		t.Errorf("Expected pending state, got %s", job.State)
	}
	if job.Config.Dim != 2 || len(job.Config.Start) != 2 {
		t.Errorf("Expected normalized config, got %+v", job.Config)
	}
	if job.Config.Method != store.MethodDescent {
		t.Errorf("Expected method descent, got %s", job.Config.Method)
	}
}

func TestServer_CreateJob_Defaults(t *testing.T) {
	s := NewServer(":8080", nil)
	defer s.Shutdown(context.Background())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(`{"objective":"square"}`))
	w := httptest.NewRecorder()

	s.handleCreateJob(w, req)

	var job Job
	if err := json.NewDecoder(w.Body).Decode(&job); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if job.Config.StepSize != defaultStepSize {
		t.Errorf("Expected step size %g, got %g", defaultStepSize, job.Config.StepSize)
	}
	if job.Config.MaxIterations != defaultMaxIterations {
		t.Errorf("Expected %d iterations, got %d", defaultMaxIterations, job.Config.MaxIterations)
	}
}

func TestServer_CreateJob_BadRequests(t *testing.T) {
	s := NewServer(":8080", nil)
	defer s.Shutdown(context.Background())

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"objective":`},
		{"missing objective", `{"stepSize":0.1}`},
		{"unknown objective", `{"objective":"nope"}`},
		{"unknown method", `{"objective":"square","method":"newton"}`},
		{"bad dimension", `{"objective":"booth","dim":3}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(tt.body))
			w := httptest.NewRecorder()

			s.handleCreateJob(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", w.Code)
			}
		})
	}

	if len(s.jobManager.ListJobs()) != 0 {
		t.Error("Rejected requests should not create jobs")
	}
}

func TestServer_ListJobs(t *testing.T) {
	s := NewServer(":8080", nil)

	s.jobManager.CreateJob(JobConfig{Objective: "square"})
	s.jobManager.CreateJob(JobConfig{Objective: "booth"})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	w := httptest.NewRecorder()

	s.handleListJobs(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var jobs []*Job
	if err := json.NewDecoder(w.Body).Decode(&jobs); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if len(jobs) != 2 {
		t.Errorf("Expected 2 jobs, got %d", len(jobs))
	}
}

func TestServer_GetJobStatus(t *testing.T) {
	s := NewServer(":8080", nil)

	job := s.jobManager.CreateJob(JobConfig{Objective: "sphere", Dim: 2})

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/jobs/%s/status", job.ID), nil)
	w := httptest.NewRecorder()

	s.handleGetJobStatus(w, req, job.ID)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if response["id"] != job.ID {
		t.Error("Response should contain job ID")
	}
	if response["state"] != string(StatePending) {
		t.Errorf("Expected pending state, got %v", response["state"])
	}
	if _, ok := response["gradientNorm"]; !ok {
		t.Error("Response should contain gradientNorm")
	}
}

func TestServer_GetJobStatus_NotFound(t *testing.T) {
	s := NewServer(":8080", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/nonexistent/status", nil)
	w := httptest.NewRecorder()

	s.handleGetJobStatus(w, req, "nonexistent")

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestServer_Routing(t *testing.T) {
	s := NewServer(":8080", nil)
	handler := s.Handler()

	tests := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodPut, "/api/v1/jobs", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/v1/jobs/", http.StatusBadRequest},
		{http.MethodGet, "/api/v1/jobs/nonexistent", http.StatusNotFound},
		{http.MethodPost, "/api/v1/jobs/nonexistent", http.StatusMethodNotAllowed},
		{http.MethodDelete, "/api/v1/jobs/nonexistent", http.StatusNotFound},
		{http.MethodOptions, "/api/v1/jobs", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, w.Code)
			}
		})
	}
}

func TestServer_Integration(t *testing.T) {
	runStore, err := store.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	s := NewServer("localhost:0", runStore)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	defer s.Shutdown(context.Background())

	job := postJob(t, srv.URL, map[string]interface{}{
		"objective":     "booth",
		"stepSize":      0.05,
		"maxIterations": 200,
	})

	status := waitForState(t, srv.URL, job.ID)
	if status["state"] != string(StateCompleted) {
		t.Fatalf("Expected completed, got %v (error: %v)", status["state"], status["error"])
	}
	if status["value"].(float64) >= status["initialValue"].(float64) {
		t.Errorf("Descent did not improve: initial=%v, final=%v", status["initialValue"], status["value"])
	}

	// The run record is persisted under the job ID
	run, err := runStore.LoadRun(job.ID)
	if err != nil {
		t.Fatalf("Run should be saved: %v", err)
	}
	if run.Config.Objective != "booth" {
		t.Errorf("Expected objective booth, got %s", run.Config.Objective)
	}

	// Trace has one entry per iteration
	resp, err := http.Get(srv.URL + "/api/v1/jobs/" + job.ID + "/trace")
	if err != nil {
		t.Fatalf("Failed to get trace: %v", err)
	}
	var entries []store.TraceEntry
	json.NewDecoder(resp.Body).Decode(&entries)
	resp.Body.Close()

	if len(entries) != run.Iterations {
		t.Errorf("Expected %d trace entries, got %d", run.Iterations, len(entries))
	}

	// Metrics reflect the finished job
	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("Failed to get metrics: %v", err)
	}
	metricsBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if !strings.Contains(string(metricsBody), `gdescent_jobs_total{method="descent",state="completed"} 1`) {
		t.Errorf("Expected completed job counter in metrics:\n%s", metricsBody)
	}

	// Finished jobs cannot be cancelled
	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/jobs/"+job.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to send cancel: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", resp.StatusCode)
	}
}

func TestServer_TraceWithoutStore(t *testing.T) {
	s := NewServer(":8080", nil)
	job := s.jobManager.CreateJob(JobConfig{Objective: "square"})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID+"/trace", nil)
	w := httptest.NewRecorder()

	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestServer_CancelJob(t *testing.T) {
	s := NewServer("localhost:0", nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	defer s.Shutdown(context.Background())

	job := postJob(t, srv.URL, map[string]interface{}{
		"objective":     "sphere",
		"stepSize":      1e-12,
		"maxIterations": 1_000_000_000,
	})

	time.Sleep(50 * time.Millisecond)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/jobs/"+job.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to send cancel: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", resp.StatusCode)
	}

	status := waitForState(t, srv.URL, job.ID)
	if status["state"] != string(StateCancelled) {
		t.Errorf("Expected cancelled, got %v", status["state"])
	}
}

func TestServer_ShutdownCancelsJobs(t *testing.T) {
	s := NewServer("localhost:0", nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	job := postJob(t, srv.URL, map[string]interface{}{
		"objective":     "sphere",
		"stepSize":      1e-12,
		"maxIterations": 1_000_000_000,
	})

	time.Sleep(50 * time.Millisecond)
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	status := waitForState(t, srv.URL, job.ID)
	if status["state"] != string(StateCancelled) {
		t.Errorf("Expected cancelled, got %v", status["state"])
	}
}

func TestServer_JobStream_SSE(t *testing.T) {
	s := NewServer("localhost:0", nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	defer s.Shutdown(context.Background())

	job := postJob(t, srv.URL, map[string]interface{}{
		"objective":     "rosenbrock",
		"stepSize":      0.0005,
		"maxIterations": 2000,
	})

	resp, err := http.Get(srv.URL + "/api/v1/jobs/" + job.ID + "/stream")
	if err != nil {
		t.Fatalf("Failed to open stream: %v", err)
	}
	defer resp.Body.Close()

	if resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Errorf("Expected text/event-stream content type, got %s", resp.Header.Get("Content-Type"))
	}

	// The stream ends on its own once the job finishes
	var events []ProgressEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event ProgressEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			t.Fatalf("Failed to parse event %q: %v", line, err)
		}
		events = append(events, event)
	}

	if len(events) == 0 {
		t.Fatal("Expected SSE events")
	}
	last := events[len(events)-1]
	if last.State != StateCompleted {
		t.Errorf("Expected final state completed, got %s", last.State)
	}
	if last.JobID != job.ID {
		t.Errorf("Expected jobID %s, got %s", job.ID, last.JobID)
	}
}

func TestServer_JobStream_NotFound(t *testing.T) {
	s := NewServer(":8080", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/nonexistent/stream", nil)
	w := httptest.NewRecorder()

	s.handleJobStream(w, req, "nonexistent")

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestEventBroadcaster(t *testing.T) {
	eb := NewEventBroadcaster()

	ch := eb.Subscribe("job1")
	defer eb.Unsubscribe("job1", ch)

	event := ProgressEvent{
		JobID:        "job1",
		State:        StateRunning,
		Iterations:   10,
		Value:        0.5,
		GradientNorm: 1.25,
		Timestamp:    time.Now(),
	}
	eb.Broadcast(event)

	select {
	case received := <-ch:
		if received.JobID != "job1" {
			t.Errorf("Expected jobID job1, got %s", received.JobID)
		}
		if received.Iterations != 10 {
			t.Errorf("Expected 10 iterations, got %d", received.Iterations)
		}
		if received.GradientNorm != 1.25 {
			t.Errorf("Expected gradient norm 1.25, got %g", received.GradientNorm)
		}
	case <-time.After(1 * time.Second):
		t.Error("Timeout waiting for event")
	}

	// Late subscribers receive the last event
	late := eb.Subscribe("job1")
	select {
	case received := <-late:
		if received.Iterations != 10 {
			t.Errorf("Expected replayed event, got %+v", received)
		}
	case <-time.After(1 * time.Second):
		t.Error("Timeout waiting for replayed event")
	}
	eb.Unsubscribe("job1", late)
}

func TestWriteSSEEvent(t *testing.T) {
	var buf bytes.Buffer

	err := writeSSEEvent(&buf, ProgressEvent{JobID: "job1", State: StateRunning, Iterations: 7, Value: 0.5})
	if err != nil {
		t.Fatalf("writeSSEEvent failed: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "event: progress\nid: 7\ndata: {") {
		t.Errorf("Unexpected progress message: %q", buf.String())
	}
	if !strings.HasSuffix(buf.String(), "}\n\n") {
		t.Errorf("Message should end with a blank line: %q", buf.String())
	}

	buf.Reset()
	writeSSEEvent(&buf, ProgressEvent{JobID: "job1", State: StateCompleted, Iterations: 9})
	if !strings.HasPrefix(buf.String(), "event: done\n") {
		t.Errorf("Terminal events should be named done: %q", buf.String())
	}
}

func TestEventBroadcaster_UnsubscribeTwice(t *testing.T) {
	eb := NewEventBroadcaster()

	ch := eb.Subscribe("job1")
	eb.Unsubscribe("job1", ch)
	eb.Unsubscribe("job1", ch)

	if _, ok := <-ch; ok {
		t.Error("Channel should be closed after unsubscribe")
	}

	// Broadcasting without subscribers only records the event
	eb.Broadcast(ProgressEvent{JobID: "job1", Iterations: 3})
	late := eb.Subscribe("job1")
	defer eb.Unsubscribe("job1", late)
	if event := <-late; event.Iterations != 3 {
		t.Errorf("Expected replayed event with 3 iterations, got %d", event.Iterations)
	}
}
