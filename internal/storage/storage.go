// Package storage persists benchmark run reports.
package storage

import (
	"context"

	"github.com/gateway-fm/leaderprobe/pkg/types"
)

// Storage defines the persistence interface for run history.
type Storage interface {
	// SaveRun stores a finished run and its probe records.
	SaveRun(ctx context.Context, report *types.Report) error
	// GetRun returns nil, nil when the run does not exist.
	GetRun(ctx context.Context, id string) (*types.Report, error)
	ListRuns(ctx context.Context, limit, offset int) (*types.PaginatedRuns, error)
	DeleteRun(ctx context.Context, id string) error

	Close() error
}
