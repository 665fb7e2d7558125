package domain

import (
	"context"
	"encoding/json"
)

// JobHandler processes the payload of one job.
// Returning an error asks the worker to retry the job per its retry policy.
type JobHandler interface {
	Handle(ctx context.Context, data json.RawMessage) error
}

// HandlerFunc adapts a function to JobHandler.
type HandlerFunc func(ctx context.Context, data json.RawMessage) error

// Handle calls f(ctx, data).
func (f HandlerFunc) Handle(ctx context.Context, data json.RawMessage) error {
	return f(ctx, data)
}
