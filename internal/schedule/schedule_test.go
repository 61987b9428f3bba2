package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/recon-cli/internal/model"
)

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) ReconcileBatch(ctx context.Context, sel model.BatchSelector, tol model.Tolerances) (*model.BatchResult, error) {
	args := m.Called(ctx, sel, tol)
	res, _ := args.Get(0).(*model.BatchResult)
	return res, args.Error(1)
}

func (m *mockEngine) RetryDue(ctx context.Context, limit int) (*model.BatchResult, error) {
	args := m.Called(ctx, limit)
	res, _ := args.Get(0).(*model.BatchResult)
	return res, args.Error(1)
}

func TestNew_RegistersConfiguredJobs(t *testing.T) {
	s, err := New(&mockEngine{}, Options{BatchCron: "0 * * * *", RetryCron: "*/5 * * * *"})
	require.NoError(t, err)
	assert.Equal(t, []string{JobBatch, JobRetry}, s.Jobs())

	s, err = New(&mockEngine{}, Options{RetryCron: "@every 1m"})
	require.NoError(t, err)
	assert.Equal(t, []string{JobRetry}, s.Jobs())
	assert.True(t, s.Next(JobBatch).IsZero())
}

func TestNew_Errors(t *testing.T) {
	_, err := New(&mockEngine{}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no jobs configured")

	_, err = New(&mockEngine{}, Options{BatchCron: "every tuesday"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid batch cron")
}

func TestRunBatch_PassesSelectorAndTolerances(t *testing.T) {
	sel := model.BatchSelector{PartnerID: "acme", Limit: 20}
	tol := model.Tolerances{QuantityVariancePct: 2, PriceVariancePct: 1, DeliveryWindow: 24 * time.Hour}

	eng := &mockEngine{}
	eng.On("ReconcileBatch", mock.Anything, sel, tol).Return(&model.BatchResult{RunID: "r1", Processed: 20}, nil).Once()

	s, err := New(eng, Options{BatchCron: "0 * * * *", Selector: sel, Tolerances: tol})
	require.NoError(t, err)

	res, err := s.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "r1", res.RunID)
	eng.AssertExpectations(t)
}

func TestRunRetry(t *testing.T) {
	eng := &mockEngine{}
	eng.On("RetryDue", mock.Anything, 25).Return(nil, errors.New("db down")).Once()

	s, err := New(eng, Options{RetryCron: "*/5 * * * *", RetryLimit: 25})
	require.NoError(t, err)

	_, err = s.RunRetry(context.Background())
	assert.EqualError(t, err, "db down")
	eng.AssertExpectations(t)
}

func TestStartStop_FiresJob(t *testing.T) {
	fired := make(chan struct{}, 4)
	eng := &mockEngine{}
	eng.On("RetryDue", mock.Anything, 0).Run(func(mock.Arguments) {
		select {
		case fired <- struct{}{}:
		default:
		}
	}).Return(&model.BatchResult{RunID: "r"}, nil)

	s, err := New(eng, Options{RetryCron: "@every 1s"})
	require.NoError(t, err)

	s.Start(context.Background())
	assert.False(t, s.Next(JobRetry).IsZero())

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("retry job never fired")
	}
	s.Stop()
}

func TestWrap_JobContextCancelledOnStop(t *testing.T) {
	eng := &mockEngine{}
	s, err := New(eng, Options{RetryCron: "@every 1h", JobTimeout: time.Minute})
	require.NoError(t, err)

	var seen context.Context
	job := s.wrap(JobRetry, func(ctx context.Context) (*model.BatchResult, error) {
		seen = ctx
		return &model.BatchResult{}, nil
	})

	s.Start(context.Background())
	job()
	s.Stop()

	require.NotNil(t, seen)
	assert.Error(t, seen.Err(), "job context ends with the run")
	_, hasDeadline := seen.Deadline()
	assert.True(t, hasDeadline)
}
