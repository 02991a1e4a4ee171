package abtest

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketcore/internal/clock"
	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	"github.com/vladislavdragonenkov/marketcore/internal/storage/memory"
)

var discountVariants = []domain.Variant{
	{Name: "A", Weight: 1, DiscountPct: 0},
	{Name: "B", Weight: 1, DiscountPct: 1.0},
	{Name: "C", Weight: 2, DiscountPct: 2.0},
}

func newAssigner(t *testing.T, active bool) (*Assigner, domain.ExperimentRepository) {
	t.Helper()
	repo := memory.NewExperimentRepository()
	require.NoError(t, repo.PutExperiment(context.Background(), domain.Experiment{
		ID:       PrepaidDiscountExperiment,
		Active:   active,
		Variants: discountVariants,
	}))
	return NewAssigner(repo, clock.NewManual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))), repo
}

// Повторные вызовы для (exp, unit) всегда возвращают один и тот же вариант.
func TestAssign_StableForeverProperty(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, repo := newAssigner(t, true)
	faker := gofakeit.New(2025)

	for i := 0; i < 300; i++ {
		phone := faker.Phone()
		first, ok, err := a.Assign(ctx, PrepaidDiscountExperiment, phone)
		require.NoError(t, err)
		require.True(t, ok)

		expected, _ := Bucket(PrepaidDiscountExperiment, phone, discountVariants)
		require.Equal(t, expected.Name, first.Variant.Name)

		for j := 0; j < 3; j++ {
			again, ok, err := a.Assign(ctx, PrepaidDiscountExperiment, phone)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, first.Assignment.Variant, again.Assignment.Variant)
		}
	}

	// Смена весов не переназначает уже закреплённые единицы.
	require.NoError(t, repo.PutExperiment(ctx, domain.Experiment{
		ID:       PrepaidDiscountExperiment,
		Active:   true,
		Variants: []domain.Variant{{Name: "A", Weight: 1}, {Name: "B", Weight: 0, DiscountPct: 1}, {Name: "C", Weight: 0, DiscountPct: 2}},
	}))
	faker = gofakeit.New(2025)
	for i := 0; i < 300; i++ {
		phone := faker.Phone()
		res, ok, err := a.Assign(ctx, PrepaidDiscountExperiment, phone)
		require.NoError(t, err)
		require.True(t, ok)
		expected, _ := Bucket(PrepaidDiscountExperiment, phone, discountVariants)
		require.Equal(t, expected.Name, res.Assignment.Variant)
	}
}

func TestBucket_DistributionFollowsWeights(t *testing.T) {
	t.Parallel()

	counts := map[string]int{}
	const n = 20000
	for i := 0; i < n; i++ {
		v, ok := Bucket("exp", gofakeit.New(uint64(i)).UUID(), discountVariants)
		require.True(t, ok)
		counts[v.Name]++
	}
	require.InDelta(t, 0.25, float64(counts["A"])/n, 0.03)
	require.InDelta(t, 0.25, float64(counts["B"])/n, 0.03)
	require.InDelta(t, 0.50, float64(counts["C"])/n, 0.03)
}

func TestBucket_ZeroWeights(t *testing.T) {
	t.Parallel()

	_, ok := Bucket("exp", "u", []domain.Variant{{Name: "A"}})
	require.False(t, ok)

	v, ok := Bucket("exp", "u", []domain.Variant{{Name: "A", Weight: 0}, {Name: "B", Weight: 1}})
	require.True(t, ok)
	require.Equal(t, "B", v.Name)

	v, ok = Bucket("exp", "u", []domain.Variant{{Name: "A", Weight: math.Inf(-1)}, {Name: "B", Weight: 3}})
	require.True(t, ok)
	require.Equal(t, "B", v.Name)
}

func TestAssign_InactiveExperiment(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, repo := newAssigner(t, false)

	_, ok, err := a.Assign(ctx, PrepaidDiscountExperiment, "+380501112233")
	require.NoError(t, err)
	require.False(t, ok, "inactive experiment must not assign")

	_, ok, err = a.Assign(ctx, "missing", "+380501112233")
	require.NoError(t, err)
	require.False(t, ok)

	// Существующее назначение возвращается, но не применяется.
	_, err = repo.InsertAssignment(ctx, domain.Assignment{ExpID: PrepaidDiscountExperiment, Unit: "+380671234567", Variant: "B"})
	require.NoError(t, err)
	res, ok, err := a.Assign(ctx, PrepaidDiscountExperiment, "+380671234567")
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, res.Active)
	require.Equal(t, "B", res.Variant.Name)
}
