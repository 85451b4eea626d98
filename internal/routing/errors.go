package routing

import (
	"errors"

	apperrors "routing-hub/internal/common/errors"
)

var (
	// ErrNoActiveRoute is returned by DetermineRoute when every route is deactivated
	ErrNoActiveRoute = apperrors.NoActiveRouteError()

	// ErrRouteNotFound is returned by operator actions on an unregistered route
	ErrRouteNotFound = apperrors.NotFoundError("route")

	// ErrDuplicateRoute is returned when a route id is added twice
	ErrDuplicateRoute = errors.New("route already registered")

	// ErrPolicyStopped is returned by Start after Stop
	ErrPolicyStopped = errors.New("route policy is stopped")
)
