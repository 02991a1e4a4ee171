package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketcore/internal/clock"
	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

// sweepRepo отдаёт заранее заданные результаты DeleteExpired.
type sweepRepo struct {
	domain.IdempotencyRepository

	results []int
	errs    []error
	before  []time.Time
	limits  []int
}

func (r *sweepRepo) DeleteExpired(_ context.Context, before time.Time, limit int) (int, error) {
	call := len(r.before)
	r.before = append(r.before, before)
	r.limits = append(r.limits, limit)
	if call < len(r.errs) && r.errs[call] != nil {
		return 0, r.errs[call]
	}
	if call < len(r.results) {
		return r.results[call], nil
	}
	return 0, nil
}

func TestSweeper_DeletesInBatchesUntilPartial(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	repo := &sweepRepo{results: []int{2, 2, 1}}
	s := NewSweeper(repo, WithSweepBatch(2), WithSweepClock(clock.NewManual(now)))

	stats, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, SweepStats{Deleted: 5, Batches: 3}, stats)
	require.Equal(t, []int{2, 2, 2}, repo.limits)
	for _, before := range repo.before {
		require.True(t, before.Equal(now))
	}
}

func TestSweeper_StopsAtMaxBatches(t *testing.T) {
	t.Parallel()

	repo := &sweepRepo{results: []int{10, 10, 10, 10}}
	s := NewSweeper(repo, WithSweepBatch(10), WithSweepMaxBatches(2))

	stats, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, SweepStats{Deleted: 20, Batches: 2, Truncated: true}, stats)
}

func TestSweeper_PartialLastBatchIsNotTruncated(t *testing.T) {
	t.Parallel()

	repo := &sweepRepo{results: []int{10, 3}}
	s := NewSweeper(repo, WithSweepBatch(10), WithSweepMaxBatches(2))

	stats, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	require.False(t, stats.Truncated)
	require.Equal(t, 13, stats.Deleted)
}

func TestSweeper_ReturnsRepositoryError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	repo := &sweepRepo{results: []int{5}, errs: []error{nil, boom}}
	s := NewSweeper(repo, WithSweepBatch(5))

	stats, err := s.SweepOnce(context.Background())
	require.ErrorIs(t, err, boom)
	require.Equal(t, 5, stats.Deleted)
}

func TestSweeper_CanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	repo := &sweepRepo{}
	_, err := NewSweeper(repo).SweepOnce(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, repo.before)
}
