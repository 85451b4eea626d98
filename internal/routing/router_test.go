package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routing-hub/internal/circuitbreaker"
	apperrors "routing-hub/internal/common/errors"
)

func TestRouter_SelectionReturnsActiveRoute(t *testing.T) {
	f := newRouterFixture(3, "r1", "r2", "r3")
	f.table.Deactivate("r2")

	seen := map[string]bool{}
	f.policy.predictFunc = func(candidates []string) string {
		assert.NotContains(t, candidates, "r2")
		choice := candidates[len(seen)%len(candidates)]
		seen[choice] = true
		return choice
	}

	for i := 0; i < 10; i++ {
		id, err := f.router.DetermineRoute(context.Background(), msg(fmt.Sprint(i)))
		require.NoError(t, err)
		assert.Contains(t, f.table.GetActiveRoutes(), id)
	}
}

func TestRouter_PolicyAnswerOutsideCandidatesIsClamped(t *testing.T) {
	f := newRouterFixture(3, "r2", "r3")
	f.policy.predictFunc = func([]string) string { return "r9" }

	id, err := f.router.DetermineRoute(context.Background(), msg("m"))
	require.NoError(t, err)
	assert.Equal(t, "r2", id)
}

func TestRouter_ExhaustionSkipsPolicy(t *testing.T) {
	f := newRouterFixture(3, "r1", "r2")
	f.table.Deactivate("r1")
	f.table.Deactivate("r2")

	for i := 0; i < 3; i++ {
		id, err := f.router.DetermineRoute(context.Background(), msg("m"))
		assert.Empty(t, id)
		assert.ErrorIs(t, err, ErrNoActiveRoute)
		assert.True(t, apperrors.IsType(err, apperrors.ErrTypeNoActiveRoute))
	}
	assert.Equal(t, 0, f.policy.predictCount())
	assert.Equal(t, 3, f.monitor.count(EventNoActiveRoute))
}

func TestRouter_EmptyTable(t *testing.T) {
	f := newRouterFixture(3)
	_, err := f.router.DetermineRoute(context.Background(), msg("m"))
	assert.True(t, errors.Is(err, ErrNoActiveRoute))
}

func TestRouter_TripsAfterThresholdConsecutiveFailures(t *testing.T) {
	f := newRouterFixture(3, "r1", "r2")

	f.router.RecordOutcome("r1", msg("m1"), OutcomeFailure)
	f.router.RecordOutcome("r1", msg("m2"), OutcomeFailure)
	assert.Contains(t, f.table.GetActiveRoutes(), "r1")

	f.router.RecordOutcome("r1", msg("m3"), OutcomeFailure)
	assert.NotContains(t, f.table.GetActiveRoutes(), "r1")

	f.policy.predictFunc = func(candidates []string) string {
		assert.Equal(t, []string{"r2"}, candidates)
		return candidates[0]
	}
	id, err := f.router.DetermineRoute(context.Background(), msg("m4"))
	require.NoError(t, err)
	assert.Equal(t, "r2", id)
}

func TestRouter_InterveningSuccessPreventsTrip(t *testing.T) {
	f := newRouterFixture(3, "r1")

	f.router.RecordOutcome("r1", msg("m1"), OutcomeFailure)
	f.router.RecordOutcome("r1", msg("m2"), OutcomeFailure)
	f.router.RecordOutcome("r1", msg("m3"), OutcomeSuccess)
	f.router.RecordOutcome("r1", msg("m4"), OutcomeFailure)
	f.router.RecordOutcome("r1", msg("m5"), OutcomeFailure)

	route, _ := f.table.Get("r1")
	assert.True(t, route.Active)
	assert.Equal(t, 2, route.FailureCount)
}

func TestRouter_SuccessResetsFailureCount(t *testing.T) {
	f := newRouterFixture(5, "r1")

	for i := 0; i < 4; i++ {
		f.router.RecordOutcome("r1", msg("m"), OutcomeFailure)
	}
	f.router.RecordOutcome("r1", msg("m"), OutcomeSuccess)

	health := f.router.GetIntegrationHealth()
	assert.Equal(t, 0, health.FailureCounts["r1"])
}

func TestRouter_RecoveryAfterCooldown(t *testing.T) {
	f := newRouterFixture(2, "r1")
	f.router.RecordOutcome("r1", msg("m1"), OutcomeFailure)
	f.router.RecordOutcome("r1", msg("m2"), OutcomeFailure)
	require.Empty(t, f.table.GetActiveRoutes())

	f.clock.Advance(29 * time.Second)
	_, err := f.router.DetermineRoute(context.Background(), msg("m3"))
	require.ErrorIs(t, err, ErrNoActiveRoute)

	f.clock.Advance(time.Second)
	f.router.RecordOutcome("r1", msg("probe"), OutcomeSuccess)

	assert.Equal(t, circuitbreaker.StateClosed, f.breaker.State("r1"))
	assert.Equal(t, []string{"r1"}, f.table.GetActiveRoutes())
	id, err := f.router.DetermineRoute(context.Background(), msg("m4"))
	require.NoError(t, err)
	assert.Equal(t, "r1", id)
}

func TestRouter_HalfOpenAdmitsOneProbe(t *testing.T) {
	f := newRouterFixture(1, "r1", "r2")
	f.router.RecordOutcome("r1", msg("m1"), OutcomeFailure)
	f.clock.Advance(30 * time.Second)

	f.policy.predictFunc = func(candidates []string) string { return candidates[0] }

	first, err := f.router.DetermineRoute(context.Background(), msg("m2"))
	require.NoError(t, err)
	assert.Equal(t, "r1", first, "the half-open route is back in the candidate set")

	second, err := f.router.DetermineRoute(context.Background(), msg("m3"))
	require.NoError(t, err)
	assert.Equal(t, "r2", second, "only one probe is in flight at a time")

	// failed probe re-opens with a doubled cooldown
	f.router.RecordOutcome("r1", msg("m2"), OutcomeFailure)
	assert.Equal(t, circuitbreaker.StateOpen, f.breaker.State("r1"))
	f.clock.Advance(30 * time.Second)
	f.router.RefreshBreakers()
	assert.Equal(t, circuitbreaker.StateOpen, f.breaker.State("r1"))
	f.clock.Advance(30 * time.Second)
	f.router.RefreshBreakers()
	assert.Equal(t, circuitbreaker.StateHalfOpen, f.breaker.State("r1"))
}

func TestRouter_LostProbeRaceFallsThrough(t *testing.T) {
	f := newRouterFixture(1, "r1", "r2")
	f.router.RecordOutcome("r1", msg("m1"), OutcomeFailure)
	f.clock.Advance(30 * time.Second)
	f.router.RefreshBreakers()

	// another caller claims the probe between Admit and AcquireProbe
	calls := 0
	f.policy.predictFunc = func(candidates []string) string {
		calls++
		if calls == 1 {
			require.True(t, f.breaker.AcquireProbe("r1"))
			return "r1"
		}
		assert.Equal(t, []string{"r2"}, candidates)
		return "r2"
	}

	id, err := f.router.DetermineRoute(context.Background(), msg("m2"))
	require.NoError(t, err)
	assert.Equal(t, "r2", id)
}

func TestRouter_RecordOutcomeForwardsToPolicy(t *testing.T) {
	f := newRouterFixture(3, "r1")

	f.router.RecordOutcome("r1", msg("m1"), OutcomeSuccess)
	f.router.HandleFailure("r1", msg("m2"))
	f.router.RecordOutcome("r1", msg("m3"), OutcomeUnknown)
	f.router.RecordOutcome("ghost", msg("m4"), OutcomeFailure)

	require.Equal(t, 2, f.policy.updateCount())
	assert.Equal(t, OutcomeSuccess, f.policy.updates[0].Status)
	assert.Equal(t, OutcomeFailure, f.policy.updates[1].Status)
	assert.Equal(t, 1, f.monitor.count(EventUnknownRoute))
}

func TestRouter_OperatorOverrides(t *testing.T) {
	f := newRouterFixture(1, "r1")

	require.NoError(t, f.router.DeactivateRoute("r1"))
	f.clock.Advance(time.Hour)
	f.router.RefreshBreakers()
	assert.Empty(t, f.table.GetActiveRoutes(), "manual deactivation is not undone by the breaker")

	// failures of messages sent before the override must not reopen and
	// later re-activate the route
	f.router.RecordOutcome("r1", msg("late-1"), OutcomeFailure)
	f.router.RecordOutcome("r1", msg("late-2"), OutcomeFailure)
	require.NoError(t, f.router.TripRoute("r1"))
	assert.Equal(t, circuitbreaker.StateClosed, f.breaker.State("r1"))
	f.clock.Advance(time.Hour)
	f.router.RefreshBreakers()
	assert.Empty(t, f.table.GetActiveRoutes())

	require.NoError(t, f.router.ActivateRoute("r1"))
	assert.Equal(t, []string{"r1"}, f.table.GetActiveRoutes())

	require.NoError(t, f.router.TripRoute("r1"))
	assert.Empty(t, f.table.GetActiveRoutes())
	assert.Equal(t, circuitbreaker.StateOpen, f.breaker.State("r1"))

	assert.ErrorIs(t, f.router.ActivateRoute("nope"), ErrRouteNotFound)
	assert.ErrorIs(t, f.router.DeactivateRoute("nope"), ErrRouteNotFound)
	assert.ErrorIs(t, f.router.TripRoute("nope"), ErrRouteNotFound)
}

func TestRouter_InactiveRouteStaysOutOfService(t *testing.T) {
	f := newRouterFixture(1, "r1")
	require.NoError(t, f.table.Add("standby", false))
	router := NewRouter(f.table, f.policy, f.breaker, f.monitor, nil)

	require.NoError(t, router.TripRoute("standby"))
	f.clock.Advance(time.Hour)
	router.RefreshBreakers()
	assert.Equal(t, []string{"r1"}, f.table.GetActiveRoutes())

	require.NoError(t, router.ActivateRoute("standby"))
	assert.Equal(t, []string{"r1", "standby"}, f.table.GetActiveRoutes())
}

func TestRouter_IntegrationHealth(t *testing.T) {
	f := newRouterFixture(2, "r1", "r2", "r3")
	f.router.RecordOutcome("r1", msg("m"), OutcomeFailure)
	f.router.RecordOutcome("r2", msg("m"), OutcomeFailure)
	f.router.RecordOutcome("r2", msg("m"), OutcomeFailure)

	health := f.router.GetIntegrationHealth()
	assert.Equal(t, 3, health.TotalRoutes)
	assert.Equal(t, 2, health.ActiveRoutes)
	assert.Equal(t, map[string]int{"r1": 1, "r2": 2, "r3": 0}, health.FailureCounts)
	require.Len(t, health.Routes, 3)
	assert.Equal(t, "open", health.Routes[1].State)
	assert.Equal(t, "closed", health.Routes[0].State)
}

func TestRouter_ConcurrentOutcomes(t *testing.T) {
	f := newRouterFixture(1000, "r1", "r2")

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.router.RecordOutcome("r1", msg("m"), OutcomeFailure)
		}()
		go func() {
			defer wg.Done()
			_ = f.router.GetIntegrationHealth()
			_, _ = f.router.DetermineRoute(context.Background(), msg("m"))
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, f.router.GetIntegrationHealth().FailureCounts["r1"])
}

// Two routes, threshold two: r1 fails twice and drops out, r2 keeps serving,
// and a successful probe after the cooldown brings r1 back.
func TestRouter_FailoverScenario(t *testing.T) {
	f := newRouterFixture(2, "r1", "r2")
	f.policy.predictFunc = func(candidates []string) string {
		if containsID(candidates, "r1") {
			return "r1"
		}
		return candidates[0]
	}

	for i := 0; i < 2; i++ {
		id, err := f.router.DetermineRoute(context.Background(), msg("fail"))
		require.NoError(t, err)
		require.Equal(t, "r1", id)
		f.router.RecordOutcome(id, msg("fail"), OutcomeFailure)
	}
	route, _ := f.table.Get("r1")
	assert.False(t, route.Active)

	id, err := f.router.DetermineRoute(context.Background(), msg("next"))
	require.NoError(t, err)
	assert.Equal(t, "r2", id)

	f.router.RecordOutcome("r2", msg("next"), OutcomeSuccess)
	r2, _ := f.table.Get("r2")
	assert.Equal(t, 0, r2.FailureCount)

	f.clock.Advance(30 * time.Second)
	f.router.RecordOutcome("r1", msg("probe"), OutcomeSuccess)
	r1, _ := f.table.Get("r1")
	assert.True(t, r1.Active)

	id, err = f.router.DetermineRoute(context.Background(), msg("after"))
	require.NoError(t, err)
	assert.Equal(t, "r1", id)
}
