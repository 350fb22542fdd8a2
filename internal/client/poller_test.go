package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedFetcher struct {
	responses []fetchResult
	calls     int
}

type fetchResult struct {
	status *JobStatus
	err    error
}

func (f *scriptedFetcher) Status(_ context.Context, jobID string) (*JobStatus, error) {
	i := f.calls
	f.calls++
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	r := f.responses[i]
	if r.status != nil {
		r.status.JobID = jobID
	}
	return r.status, r.err
}

func statusOf(s string) fetchResult {
	return fetchResult{status: &JobStatus{Status: s}}
}

func newTestPoller(f StatusFetcher, cfg PollConfig, random float64) (*Poller, *[]time.Duration) {
	p := NewPoller(f, cfg, zerolog.Nop())
	var sleeps []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	p.random = func() float64 { return random }
	return p, &sleeps
}

func TestPollerReturnsCompletedStatus(t *testing.T) {
	f := &scriptedFetcher{responses: []fetchResult{
		statusOf(StatusPending),
		statusOf(StatusProcessing),
		statusOf(StatusCompleted),
	}}
	p, sleeps := newTestPoller(f, DefaultPollConfig(), 0.5)

	status, err := p.Wait(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status.Status)
	assert.Equal(t, 3, f.calls)
	// random=0.5 で揺らぎはゼロになる
	assert.Equal(t, []time.Duration{time.Second, 1500 * time.Millisecond}, *sleeps)
}

func TestPollerFailsImmediatelyOnFailedJob(t *testing.T) {
	code, detail := "ADAPTER_TIMEOUT", "adapter timeout"
	f := &scriptedFetcher{responses: []fetchResult{
		{status: &JobStatus{Status: StatusFailed, ErrorCode: &code, ErrorMessage: &detail}},
	}}
	p, sleeps := newTestPoller(f, DefaultPollConfig(), 0.5)

	_, err := p.Wait(context.Background(), "job-d")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrJobFailed)

	var failed *JobFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "job-d", failed.JobID)
	assert.Equal(t, "adapter timeout", failed.Detail)
	assert.Equal(t, "ADAPTER_TIMEOUT", failed.Code)
	assert.Equal(t, 1, f.calls)
	assert.Empty(t, *sleeps)
}

func TestPollerFailedAfterProcessingStopsWithoutSleeping(t *testing.T) {
	detail := "adapter timeout"
	f := &scriptedFetcher{responses: []fetchResult{
		statusOf(StatusProcessing),
		{status: &JobStatus{Status: StatusFailed, ErrorMessage: &detail}},
		statusOf(StatusCompleted),
	}}
	p, sleeps := newTestPoller(f, DefaultPollConfig(), 0.5)

	_, err := p.Wait(context.Background(), "job-d")
	var failed *JobFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "adapter timeout", failed.Detail)
	assert.Equal(t, 2, f.calls)
	assert.Len(t, *sleeps, 1)
}

func TestPollerTimeoutCarriesJobID(t *testing.T) {
	f := &scriptedFetcher{responses: []fetchResult{statusOf(StatusProcessing)}}
	p, sleeps := newTestPoller(f, DefaultPollConfig(), 0.5)

	_, err := p.Wait(context.Background(), "job-slow")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)

	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "job-slow", timeout.JobID)
	assert.Equal(t, 60, timeout.Attempts)
	assert.Equal(t, 60, f.calls)
	assert.Len(t, *sleeps, 59)
	for _, d := range *sleeps {
		assert.LessOrEqual(t, d, 5*time.Second)
	}
	assert.Equal(t, 5*time.Second, (*sleeps)[len(*sleeps)-1])
}

func TestPollerIntervalGrowthAndJitterBounds(t *testing.T) {
	cfg := DefaultPollConfig()

	tests := []struct {
		name    string
		random  float64
		current time.Duration
		want    time.Duration
	}{
		{"no jitter", 0.5, time.Second, 1500 * time.Millisecond},
		{"lowest jitter", 0, time.Second, 1350 * time.Millisecond},
		{"highest jitter", 1, time.Second, 1650 * time.Millisecond},
		{"capped", 1, 4 * time.Second, 5 * time.Second},
		{"jitter applied after growth", 0, 2 * time.Second, 2700 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPoller(&scriptedFetcher{}, cfg, tt.random)
			assert.Equal(t, tt.want, p.next(tt.current))
		})
	}
}

func TestPollerRetriesTransientErrors(t *testing.T) {
	f := &scriptedFetcher{responses: []fetchResult{
		{err: &APIError{StatusCode: http.StatusServiceUnavailable}},
		{err: errors.New("connection reset")},
		statusOf(StatusCompleted),
	}}
	p, sleeps := newTestPoller(f, DefaultPollConfig(), 0.5)

	status, err := p.Wait(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status.Status)
	assert.Len(t, *sleeps, 2)
}

func TestPollerRetriesRequestTimeout(t *testing.T) {
	// http.Client のタイムアウトは context.DeadlineExceeded として判定される
	requestTimeout := fmt.Errorf("request to http://x failed: %w", context.DeadlineExceeded)
	f := &scriptedFetcher{responses: []fetchResult{
		{err: requestTimeout},
		statusOf(StatusCompleted),
	}}
	p, sleeps := newTestPoller(f, DefaultPollConfig(), 0.5)

	status, err := p.Wait(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status.Status)
	assert.Equal(t, 2, f.calls)
	assert.Len(t, *sleeps, 1)
}

func TestPollerStopsWhenCallerContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &scriptedFetcher{responses: []fetchResult{{err: fmt.Errorf("request failed: %w", context.Canceled)}}}
	p, sleeps := newTestPoller(f, DefaultPollConfig(), 0.5)

	_, err := p.Wait(ctx, "job-1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, f.calls)
	assert.Empty(t, *sleeps)
}

func TestPollerStopsOnNotFound(t *testing.T) {
	f := &scriptedFetcher{responses: []fetchResult{
		{err: &APIError{StatusCode: http.StatusNotFound, Code: "NOT_FOUND"}},
	}}
	p, sleeps := newTestPoller(f, DefaultPollConfig(), 0.5)

	_, err := p.Wait(context.Background(), "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, 1, f.calls)
	assert.Empty(t, *sleeps)
}

func TestPollerHonorsContextCancel(t *testing.T) {
	f := &scriptedFetcher{responses: []fetchResult{statusOf(StatusPending)}}
	p := NewPoller(f, PollConfig{InitialInterval: time.Hour}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Wait(ctx, "job-1")
	assert.ErrorIs(t, err, context.Canceled)
}
