// Package domain contains the datacenter model shared by the allocation,
// consolidation, scaling and task-graph policies.
package domain

import "errors"

// Common domain errors
var (
	// ErrNotFound is returned when a requested host, guest or cloudlet is not found.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when registering an entity whose ID is taken.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidConfiguration is returned at setup time for non-positive
	// resource values, empty names or missing collaborators.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrCapacityExhausted is returned when no host can satisfy a reservation.
	ErrCapacityExhausted = errors.New("capacity exhausted")

	// ErrPartialConsolidation is reported when only some guests of an
	// evacuation candidate found a new host.
	ErrPartialConsolidation = errors.New("partial consolidation failure")

	// ErrMigrationFailed is reported when a planned migration could not be applied.
	ErrMigrationFailed = errors.New("migration failed")

	// ErrConflict is returned when there's a conflict with current state.
	ErrConflict = errors.New("conflict with current state")
)
