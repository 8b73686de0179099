package migration

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/atana/registration-migrator/internal/apperrors"
	"github.com/atana/registration-migrator/internal/config"
	"github.com/atana/registration-migrator/internal/metrics"
	"github.com/atana/registration-migrator/internal/models"
	"github.com/atana/registration-migrator/internal/source"
	"github.com/atana/registration-migrator/internal/storage"
)

// MockWriter is a mock implementation of the RegistrationWriter interface
type MockWriter struct {
	mock.Mock
}

func (m *MockWriter) UpsertRegistration(ctx context.Context, reg models.Registration) error {
	args := m.Called(ctx, reg)
	return args.Error(0)
}

// fakeReader serves canned pages in order and records every filter it saw
type fakeReader struct {
	mu      sync.Mutex
	pages   []*models.RegistrationPage
	errs    map[int]error
	filters []source.Filter
	onFetch func(call int)
}

func (f *fakeReader) FetchPage(ctx context.Context, filter source.Filter) (*models.RegistrationPage, error) {
	f.mu.Lock()
	call := len(f.filters)
	f.filters = append(f.filters, filter)
	f.mu.Unlock()

	if f.onFetch != nil {
		f.onFetch(call)
	}
	if err := f.errs[call]; err != nil {
		return nil, err
	}
	if call >= len(f.pages) {
		return nil, fmt.Errorf("unexpected fetch %d", call)
	}
	return f.pages[call], nil
}

func (f *fakeReader) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.filters)
}

// fakeRecorder keeps a copy of every recorded report
type fakeRecorder struct {
	mu   sync.Mutex
	runs []models.RunReport
}

func (f *fakeRecorder) RecordRun(_ context.Context, run *models.RunReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, *run)
	return nil
}

func (f *fakeRecorder) LastRun(context.Context) (*models.RunReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.runs) == 0 {
		return nil, nil
	}
	run := f.runs[len(f.runs)-1]
	return &run, nil
}

func (f *fakeRecorder) Close() error { return nil }

func registration(id, learnerID string) models.Registration {
	return models.Registration{ID: id, Learner: &models.Learner{ID: learnerID}}
}

func page(more string, regs ...models.Registration) *models.RegistrationPage {
	return &models.RegistrationPage{Registrations: regs, More: more}
}

func isRegistration(id string) interface{} {
	return mock.MatchedBy(func(r models.Registration) bool { return r.ID == id })
}

func TestService_Run_ExhaustsPagination(t *testing.T) {
	reader := &fakeReader{pages: []*models.RegistrationPage{
		page("p2", registration("r1", "L1"), registration("r2", "L1")),
		page("p3", registration("r3", "L2")),
		page("", registration("r4", "L3"), registration("r5", "L1")),
	}}
	writer := new(MockWriter)
	writer.On("UpsertRegistration", mock.Anything, mock.Anything).Return(nil)
	recorder := &fakeRecorder{}

	service := NewService(config.MigrationConfig{Concurrency: 4}, reader, writer, recorder, metrics.NewCollector())
	report, err := service.Run(context.Background(), source.Filter{CourseID: "c1"})

	require.NoError(t, err)
	assert.Equal(t, models.RunSuccess, report.Status)
	assert.Equal(t, 3, report.Pages)
	assert.Equal(t, 5, report.Seen)
	assert.Equal(t, 5, report.Migrated)
	assert.Zero(t, report.Failed)
	assert.Empty(t, report.Error)
	assert.False(t, report.FinishedAt.IsZero())

	require.Len(t, reader.filters, 3)
	assert.Equal(t, "", reader.filters[0].More)
	assert.Equal(t, "p2", reader.filters[1].More)
	assert.Equal(t, "p3", reader.filters[2].More)
	for _, f := range reader.filters {
		assert.Equal(t, "c1", f.CourseID)
	}
	writer.AssertNumberOfCalls(t, "UpsertRegistration", 5)

	require.Len(t, recorder.runs, 2)
	assert.Equal(t, models.RunRunning, recorder.runs[0].Status)
	assert.Equal(t, models.RunSuccess, recorder.runs[1].Status)
	assert.Equal(t, recorder.runs[0].ID, recorder.runs[1].ID)
	assert.False(t, service.Running())
}

func TestService_Run_EmptySource(t *testing.T) {
	reader := &fakeReader{pages: []*models.RegistrationPage{page("")}}
	writer := new(MockWriter)

	service := NewService(config.MigrationConfig{Concurrency: 2}, reader, writer, nil, nil)
	report, err := service.Run(context.Background(), source.Filter{})

	require.NoError(t, err)
	assert.Equal(t, models.RunSuccess, report.Status)
	assert.Equal(t, 1, report.Pages)
	assert.Zero(t, report.Seen)
	writer.AssertNotCalled(t, "UpsertRegistration", mock.Anything, mock.Anything)
}

func TestService_Run_IsolatesFailedWrites(t *testing.T) {
	reader := &fakeReader{pages: []*models.RegistrationPage{
		page("next", registration("r1", "L1"), registration("r2", "L2"), registration("r3", "L1")),
		page("", registration("r4", "L3")),
	}}
	conflict := &storage.WriteError{
		RegistrationID: "r2",
		Stage:          storage.StageRegistration,
		Err:            fmt.Errorf("%w: duplicate", apperrors.ErrWriteConflict),
	}
	writer := new(MockWriter)
	writer.On("UpsertRegistration", mock.Anything, isRegistration("r2")).Return(conflict)
	writer.On("UpsertRegistration", mock.Anything, mock.Anything).Return(nil)

	service := NewService(config.MigrationConfig{Concurrency: 3}, reader, writer, nil, nil)
	report, err := service.Run(context.Background(), source.Filter{})

	require.NoError(t, err)
	assert.Equal(t, models.RunPartial, report.Status)
	assert.Equal(t, 2, reader.calls())
	assert.Equal(t, 4, report.Seen)
	assert.Equal(t, 3, report.Migrated)
	assert.Equal(t, 1, report.Failed)
	writer.AssertNumberOfCalls(t, "UpsertRegistration", 4)
}

func TestService_Run_InitialFetchFailure(t *testing.T) {
	reader := &fakeReader{errs: map[int]error{
		0: fmt.Errorf("%w: API returned status 401", apperrors.ErrSourceUnavailable),
	}}
	writer := new(MockWriter)
	recorder := &fakeRecorder{}

	service := NewService(config.MigrationConfig{Concurrency: 2}, reader, writer, recorder, nil)
	report, err := service.Run(context.Background(), source.Filter{})

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrSourceUnavailable))
	assert.Equal(t, models.RunFailed, report.Status)
	assert.Zero(t, report.Pages)
	assert.Zero(t, report.Seen)
	assert.Contains(t, report.Error, "page 1")
	writer.AssertNotCalled(t, "UpsertRegistration", mock.Anything, mock.Anything)

	last, _ := recorder.LastRun(context.Background())
	require.NotNil(t, last)
	assert.Equal(t, models.RunFailed, last.Status)
}

func TestService_Run_LaterFetchFailure(t *testing.T) {
	reader := &fakeReader{
		pages: []*models.RegistrationPage{
			page("next", registration("r1", "L1"), registration("r2", "L1")),
		},
		errs: map[int]error{
			1: fmt.Errorf("%w: failed to unmarshal response", apperrors.ErrSourceDecode),
		},
	}
	writer := new(MockWriter)
	writer.On("UpsertRegistration", mock.Anything, mock.Anything).Return(nil)

	service := NewService(config.MigrationConfig{Concurrency: 2}, reader, writer, nil, nil)
	report, err := service.Run(context.Background(), source.Filter{})

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrSourceDecode))
	assert.Equal(t, models.RunPartial, report.Status)
	assert.Equal(t, 1, report.Pages)
	assert.Equal(t, 2, report.Migrated)
	assert.Contains(t, report.Error, "page 2")
	writer.AssertNumberOfCalls(t, "UpsertRegistration", 2)
}

func TestService_Run_CancellationStopsPaginationButNotWrites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &fakeReader{
		pages: []*models.RegistrationPage{
			page("next", registration("r1", "L1"), registration("r2", "L2")),
			page("", registration("r3", "L3")),
		},
		onFetch: func(call int) {
			if call == 0 {
				cancel()
			}
		},
	}
	var writesWithLiveContext atomic.Int64
	writer := new(MockWriter)
	writer.On("UpsertRegistration", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			if args.Get(0).(context.Context).Err() == nil {
				writesWithLiveContext.Add(1)
			}
		}).
		Return(nil)

	service := NewService(config.MigrationConfig{Concurrency: 2}, reader, writer, nil, nil)
	report, err := service.Run(ctx, source.Filter{})

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, reader.calls())
	assert.Equal(t, models.RunPartial, report.Status)
	assert.Equal(t, 2, report.Migrated)
	assert.Equal(t, int64(2), writesWithLiveContext.Load())
}

func TestService_Run_BoundsConcurrency(t *testing.T) {
	regs := make([]models.Registration, 12)
	for i := range regs {
		regs[i] = registration(fmt.Sprintf("r%d", i), "L1")
	}
	reader := &fakeReader{pages: []*models.RegistrationPage{page("", regs...)}}

	var inFlight, maxInFlight atomic.Int64
	writer := new(MockWriter)
	writer.On("UpsertRegistration", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			n := inFlight.Add(1)
			for {
				peak := maxInFlight.Load()
				if n <= peak || maxInFlight.CompareAndSwap(peak, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
		}).
		Return(nil)

	service := NewService(config.MigrationConfig{Concurrency: 3}, reader, writer, nil, nil)
	report, err := service.Run(context.Background(), source.Filter{})

	require.NoError(t, err)
	assert.Equal(t, 12, report.Migrated)
	assert.LessOrEqual(t, maxInFlight.Load(), int64(3))
}

func TestService_Trigger_RejectsConcurrentRuns(t *testing.T) {
	release := make(chan struct{})
	reader := &fakeReader{pages: []*models.RegistrationPage{page("", registration("r1", "L1"))}}
	writer := new(MockWriter)
	writer.On("UpsertRegistration", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(nil)
	recorder := &fakeRecorder{}

	service := NewService(config.MigrationConfig{Concurrency: 1}, reader, writer, recorder, nil)

	accepted, err := service.Trigger(context.Background(), source.Filter{})
	require.NoError(t, err)
	assert.Equal(t, models.RunRunning, accepted.Status)
	assert.NotEmpty(t, accepted.ID)
	assert.True(t, service.Running())

	_, err = service.Run(context.Background(), source.Filter{})
	assert.ErrorIs(t, err, ErrRunInProgress)
	_, err = service.Trigger(context.Background(), source.Filter{})
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(release)
	assert.Eventually(t, func() bool { return !service.Running() }, time.Second, 5*time.Millisecond)

	last, err := recorder.LastRun(context.Background())
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, accepted.ID, last.ID)
	assert.Equal(t, models.RunSuccess, last.Status)
}

func TestService_Wait_BlocksUntilTriggeredRunRecorded(t *testing.T) {
	release := make(chan struct{})
	reader := &fakeReader{pages: []*models.RegistrationPage{page("", registration("r1", "L1"), registration("r2", "L1"))}}
	writer := new(MockWriter)
	writer.On("UpsertRegistration", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(nil)
	recorder := &fakeRecorder{}

	service := NewService(config.MigrationConfig{Concurrency: 2}, reader, writer, recorder, nil)
	require.NoError(t, service.Wait(context.Background()))

	accepted, err := service.Trigger(context.Background(), source.Filter{})
	require.NoError(t, err)

	short, shortCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer shortCancel()
	assert.ErrorIs(t, service.Wait(short), context.DeadlineExceeded)

	close(release)
	require.NoError(t, service.Wait(context.Background()))
	assert.False(t, service.Running())
	writer.AssertNumberOfCalls(t, "UpsertRegistration", 2)

	last, err := recorder.LastRun(context.Background())
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, accepted.ID, last.ID)
	assert.NotEqual(t, models.RunRunning, last.Status)
	assert.Equal(t, 2, last.Migrated)
}

func TestService_Start_RunsOnceWithoutInterval(t *testing.T) {
	reader := &fakeReader{pages: []*models.RegistrationPage{page("", registration("r1", "L1"))}}
	writer := new(MockWriter)
	writer.On("UpsertRegistration", mock.Anything, mock.Anything).Return(nil)

	service := NewService(config.MigrationConfig{Concurrency: 1}, reader, writer, nil, nil)
	require.NoError(t, service.Start(context.Background(), source.Filter{}))
	assert.Equal(t, 1, reader.calls())
}

func TestService_Start_InitialFailure(t *testing.T) {
	reader := &fakeReader{errs: map[int]error{0: apperrors.ErrSourceUnavailable}}
	service := NewService(config.MigrationConfig{Concurrency: 1, Interval: time.Hour}, reader, new(MockWriter), nil, nil)

	err := service.Start(context.Background(), source.Filter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initial migration failed")
}

func TestService_Start_Periodic(t *testing.T) {
	pages := make([]*models.RegistrationPage, 10)
	for i := range pages {
		pages[i] = page("")
	}
	reader := &fakeReader{pages: pages}
	service := NewService(config.MigrationConfig{Concurrency: 1, Interval: 10 * time.Millisecond}, reader, new(MockWriter), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- service.Start(ctx, source.Filter{}) }()

	assert.Eventually(t, func() bool { return reader.calls() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancellation")
	}
}

// Two pages served over HTTP, both registrations belonging to one learner,
// written into a real sqlite database.
func TestService_Run_TwoPagesEndToEnd(t *testing.T) {
	var fetches atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("more") == "" {
			w.Write([]byte(`{"registrations":[{"id":"r1","instance":0,"registrationCompletion":"COMPLETED",` +
				`"score":{"scaled":0.75},"learner":{"id":"L1","email":"l1@example.com"}}],"more":"tok"}`))
			return
		}
		w.Write([]byte(`{"registrations":[{"id":"r2","instance":1,"score":0.9,` +
			`"learner":{"id":"L1","email":"l1@example.com"}}],"more":null}`))
	}))
	defer server.Close()

	store, err := storage.NewSQLStore(config.StorageConfig{
		Type:     "sqlite",
		Database: filepath.Join(t.TempDir(), "atana.db"),
	})
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.EnsureSchema(context.Background()))

	client := source.NewClient(config.SourceConfig{
		BaseURL:   server.URL,
		AppID:     "app",
		AppSecret: "secret",
		Timeout:   5 * time.Second,
	}, source.WithRetryPolicy(source.NoRetry))

	service := NewService(config.MigrationConfig{Concurrency: 4}, client, store, store, nil)
	report, err := service.Run(context.Background(), source.Filter{})

	require.NoError(t, err)
	assert.Equal(t, int64(2), fetches.Load())
	assert.Equal(t, models.RunSuccess, report.Status)
	assert.Equal(t, 2, report.Seen)
	assert.Equal(t, 2, report.Migrated)

	learners, registrations, err := store.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, learners)
	assert.Equal(t, 2, registrations)

	r1, err := store.GetRegistration(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "L1", r1.LearnerID)
	assert.Equal(t, models.CompletionCompleted, r1.RegistrationCompletion)
	assert.Equal(t, models.SuccessUnknown, r1.RegistrationSuccess)
	require.NotNil(t, r1.Score)
	assert.Equal(t, 0.75, *r1.Score)

	r2, err := store.GetRegistration(context.Background(), "r2")
	require.NoError(t, err)
	assert.Equal(t, "L1", r2.LearnerID)
	require.NotNil(t, r2.Score)
	assert.Equal(t, 0.9, *r2.Score)

	last, err := store.LastRun(context.Background())
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, report.ID, last.ID)
	assert.Equal(t, models.RunSuccess, last.Status)
}
