// Package api is the client side of the remote attendance service.
package api

import (
	"context"

	"github.com/roach88/presence/internal/attendance"
)

// BatchResult is the service's answer to a batch sync. The first
// SuccessCount events of the request were stored.
type BatchResult struct {
	SuccessCount int `json:"success_count"`
	FailedCount  int `json:"failed_count"`
}

// Client is the attendance service as seen by the dispatcher and the
// offline queue retrier.
type Client interface {
	// MarkAttendance delivers one event.
	MarkAttendance(ctx context.Context, ev attendance.Event) error

	// SyncBatch delivers several events in one call.
	SyncBatch(ctx context.Context, evs []attendance.Event) (BatchResult, error)

	// CheckConnectivity reports whether the service is reachable.
	CheckConnectivity(ctx context.Context) bool
}
