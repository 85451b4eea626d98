package learner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routing-hub/internal/routing"
)

func record(route string, status routing.Outcome, features map[string]string) routing.OutcomeRecord {
	return routing.OutcomeRecord{RouteID: route, Features: features, Status: status, Timestamp: time.Now()}
}

func TestModel_UntrainedPrefersSmallestID(t *testing.T) {
	m := NewModel()

	best, err := m.PredictBestRoute(context.Background(), map[string]string{"region": "eu"}, []string{"c", "a", "b"})
	require.NoError(t, err)
	assert.Equal(t, "a", best)
	assert.InDelta(t, 0.5, m.Score("a", nil), 1e-9)
}

func TestModel_LearnsRouteSuccess(t *testing.T) {
	ctx := context.Background()
	m := NewModel()

	require.NoError(t, m.Train(ctx, []routing.OutcomeRecord{
		record("a", routing.OutcomeFailure, nil),
		record("a", routing.OutcomeFailure, nil),
		record("b", routing.OutcomeSuccess, nil),
	}))

	best, err := m.PredictBestRoute(ctx, nil, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, "b", best)
	assert.Equal(t, 3, m.Samples())
	assert.InDelta(t, 0.25, m.Score("a", nil), 1e-9)
	assert.InDelta(t, 2.0/3.0, m.Score("b", nil), 1e-9)
}

func TestModel_FeaturesSteerPrediction(t *testing.T) {
	ctx := context.Background()
	m := NewModel()

	var records []routing.OutcomeRecord
	for i := 0; i < 5; i++ {
		records = append(records,
			record("eu-route", routing.OutcomeSuccess, map[string]string{"region": "eu"}),
			record("eu-route", routing.OutcomeFailure, map[string]string{"region": "us"}),
			record("us-route", routing.OutcomeSuccess, map[string]string{"region": "us"}),
			record("us-route", routing.OutcomeFailure, map[string]string{"region": "eu"}),
		)
	}
	require.NoError(t, m.Train(ctx, records))

	best, err := m.PredictBestRoute(ctx, map[string]string{"region": "eu"}, []string{"eu-route", "us-route"})
	require.NoError(t, err)
	assert.Equal(t, "eu-route", best)

	best, err = m.PredictBestRoute(ctx, map[string]string{"region": "us"}, []string{"eu-route", "us-route"})
	require.NoError(t, err)
	assert.Equal(t, "us-route", best)
}

func TestModel_IgnoresUnknownOutcomes(t *testing.T) {
	m := NewModel()
	require.NoError(t, m.Train(context.Background(), []routing.OutcomeRecord{
		record("a", routing.OutcomeUnknown, nil),
		{Status: routing.OutcomeSuccess},
	}))
	assert.Equal(t, 0, m.Samples())
}

func TestModel_PredictErrors(t *testing.T) {
	m := NewModel()

	_, err := m.PredictBestRoute(context.Background(), nil, nil)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.PredictBestRoute(ctx, nil, []string{"a"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, m.Train(ctx, nil), context.Canceled)
}

func TestModel_RetrainReplacesCounts(t *testing.T) {
	ctx := context.Background()
	m := NewModel()

	require.NoError(t, m.Train(ctx, []routing.OutcomeRecord{
		record("a", routing.OutcomeSuccess, nil),
		record("a", routing.OutcomeSuccess, nil),
	}))
	require.NoError(t, m.Retrain(ctx, []routing.OutcomeRecord{
		record("b", routing.OutcomeSuccess, nil),
	}))

	assert.Equal(t, 1, m.Samples())
	best, err := m.PredictBestRoute(ctx, nil, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, "b", best)
}

func TestModel_Insights(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := NewModel(WithClock(func() time.Time { return now }), WithTopFeatures(1))

	require.NoError(t, m.Warm(ctx, []routing.OutcomeRecord{
		record("b", routing.OutcomeSuccess, map[string]string{"tier": "gold", "region": "eu"}),
		record("b", routing.OutcomeSuccess, map[string]string{"tier": "gold"}),
		record("b", routing.OutcomeFailure, map[string]string{"region": "eu"}),
		record("a", routing.OutcomeFailure, nil),
	}))

	insights := m.Insights()
	assert.Equal(t, now, insights.GeneratedAt)
	assert.Equal(t, 4, insights.TotalSamples)
	require.Len(t, insights.Routes, 2)
	assert.Equal(t, "a", insights.Routes[0].RouteID)
	assert.Empty(t, insights.Routes[0].TopFeatures)

	b := insights.Routes[1]
	assert.Equal(t, 2, b.Successes)
	assert.Equal(t, 1, b.Failures)
	assert.InDelta(t, 0.6, b.SuccessRate, 1e-9)
	require.Len(t, b.TopFeatures, 1)
	assert.Equal(t, "tier=gold", b.TopFeatures[0].Feature)
	assert.Equal(t, 2, b.TopFeatures[0].Samples)
	assert.InDelta(t, 0.75, b.TopFeatures[0].SuccessRate, 1e-9)
	assert.Equal(t, now, m.TrainedAt())
}
