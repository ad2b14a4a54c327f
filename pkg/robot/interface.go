// Package robot talks to the Reachy Mini daemon's HTTP API.
//
// Consumers depend on the small interfaces below rather than the
// concrete HTTPController.
package robot

import "context"

// Mover moves the head, antennas and body.
type Mover interface {
	GotoTarget(ctx context.Context, t Target) error
}

// StatusReader queries the daemon state.
type StatusReader interface {
	DaemonStatus(ctx context.Context) (string, error)
}

// Controller is the composite interface for robot control.
type Controller interface {
	Mover
	StatusReader
}

var _ Controller = (*HTTPController)(nil)
