package ircam

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// jobStub serves auth plus a scripted sequence of job-status responses. Once
// the script is exhausted the last response repeats.
func jobStub(t *testing.T, responses []string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id_token":"test-token"}`)
	})
	mux.HandleFunc("/spatialize/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			fmt.Fprint(w, `{"id":"job-1"}`)
			return
		}
		idx := int(polls.Add(1)) - 1
		if idx >= len(responses) {
			idx = len(responses) - 1
		}
		fmt.Fprint(w, responses[idx])
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &polls
}

func statusBody(status string) string {
	return fmt.Sprintf(`{"job_infos":{"job_status":%q}}`, status)
}

const successWithReport = `{"job_infos":{"job_status":"success","report_info":{"report":{"binauralFile":{"id":"bin-1"},"immersiveFile":{"id":"imm-1"}}}}}`

func TestSubmitReturnsJobID(t *testing.T) {
	srv, _ := jobStub(t, nil)
	c := newTestClient(srv.URL)

	jobID, err := c.Submit(context.Background(), "https://ias.example/slot-1", 3)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if jobID != "job-1" {
		t.Fatalf("expected job-1, got %s", jobID)
	}
}

func TestSubmitRejectsIntensityOutOfRange(t *testing.T) {
	srv, _ := jobStub(t, nil)
	c := newTestClient(srv.URL)

	for _, intensity := range []int{0, 6, -1} {
		if _, err := c.Submit(context.Background(), "https://ias.example/x", intensity); err == nil {
			t.Fatalf("expected error for intensity %d", intensity)
		}
	}
}

func TestSubmitMissingJobID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id_token":"test-token"}`)
	})
	mux.HandleFunc("/spatialize/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Submit(context.Background(), "https://ias.example/x", 3)
	var subErr *JobSubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected JobSubmissionError, got %v", err)
	}
}

func TestRunToCompletionPendingThenSuccess(t *testing.T) {
	srv, polls := jobStub(t, []string{
		statusBody("pending"),
		statusBody("pending"),
		successWithReport,
	})
	c := newTestClient(srv.URL)

	report, err := c.RunToCompletion(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("run to completion: %v", err)
	}
	if report.BinauralFile == nil || report.BinauralFile.ID != "bin-1" {
		t.Fatalf("expected binaural ref, got %+v", report)
	}
	if report.ImmersiveFile == nil || report.ImmersiveFile.ID != "imm-1" {
		t.Fatalf("expected immersive ref, got %+v", report)
	}
	// Three status polls plus one report fetch.
	if got := polls.Load(); got != 4 {
		t.Fatalf("expected 4 GETs, got %d", got)
	}
}

func TestRunToCompletionErrorSentinel(t *testing.T) {
	srv, polls := jobStub(t, []string{
		statusBody("pending"),
		statusBody("error"),
	})
	c := newTestClient(srv.URL)

	_, err := c.RunToCompletion(context.Background(), "job-1")
	var failErr *JobFailedError
	if !errors.As(err, &failErr) {
		t.Fatalf("expected JobFailedError, got %v", err)
	}
	// Two status polls and no report fetch.
	if got := polls.Load(); got != 2 {
		t.Fatalf("expected 2 GETs, got %d", got)
	}
}

func TestRunToCompletionImmediateFirstPoll(t *testing.T) {
	srv, _ := jobStub(t, []string{successWithReport})
	c := newTestClient(srv.URL)
	// A terminal first response must return without waiting out the interval.
	c.pollInterval = time.Hour

	done := make(chan error, 1)
	go func() {
		_, err := c.RunToCompletion(context.Background(), "job-1")
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run to completion: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first poll waited for the interval")
	}
}

func TestRunToCompletionSuccessWithoutReport(t *testing.T) {
	srv, _ := jobStub(t, []string{statusBody("success")})
	c := newTestClient(srv.URL)

	_, err := c.RunToCompletion(context.Background(), "job-1")
	var malformed *MalformedResponseError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedResponseError, got %v", err)
	}
}

func TestRunToCompletionMissingJobInfos(t *testing.T) {
	srv, _ := jobStub(t, []string{`{}`})
	c := newTestClient(srv.URL)

	_, err := c.RunToCompletion(context.Background(), "job-1")
	var malformed *MalformedResponseError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedResponseError, got %v", err)
	}
}

func TestRunToCompletionAttemptBudget(t *testing.T) {
	srv, polls := jobStub(t, []string{statusBody("pending")})
	c := newTestClient(srv.URL)
	c.maxAttempts = 3

	_, err := c.RunToCompletion(context.Background(), "job-1")
	var failErr *JobFailedError
	if !errors.As(err, &failErr) {
		t.Fatalf("expected JobFailedError after budget, got %v", err)
	}
	if got := polls.Load(); got != 3 {
		t.Fatalf("expected 3 polls, got %d", got)
	}
}

func TestRunToCompletionHonorsCancellation(t *testing.T) {
	srv, _ := jobStub(t, []string{statusBody("pending")})
	c := newTestClient(srv.URL)
	c.pollInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.RunToCompletion(ctx, "job-1")
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not interrupt the poll wait")
	}
}
