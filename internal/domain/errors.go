// Package domain defines the core entities, ports, and domain-specific
// errors shared by the queue, assignment, coordinator, recovery, and
// scheduler subsystems.
package domain

import (
	"context"
	"errors"
)

// Error taxonomy (sentinels). Every cross-component call that fails with a
// domain error wraps one of these so callers can type-switch with errors.Is.
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrRateLimited      = errors.New("rate limited")
	ErrUpstreamTimeout  = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrSchemaInvalid    = errors.New("schema invalid")
	ErrInternal         = errors.New("internal error")
	ErrNoCapableRobot   = errors.New("no capable robot")
	ErrLeaseExpired     = errors.New("lease expired")
	ErrAlreadyTerminal  = errors.New("job already in a terminal state")
	ErrOwnershipMismatch = errors.New("robot does not own job")
	ErrCyclicDependency = errors.New("cyclic schedule dependency")
)

// Context is a type alias to stdlib context.Context so the domain package
// can describe port signatures without importing context everywhere by name.
type Context = context.Context
