package fleet

import "errors"

var (
	ErrInvalidCoordinates = errors.New("invalid coordinates")
	ErrVehicleNotFound    = errors.New("vehicle not found")
	ErrWaypointNotFound   = errors.New("waypoint not found")
	ErrRoutingUnavailable = errors.New("routing unavailable")
	// ErrConflict is returned by a store when the vehicle changed since it was read.
	ErrConflict = errors.New("vehicle modified concurrently")
)
