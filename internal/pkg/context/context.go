// Package context carries request and task identifiers through a
// context.Context so logs and outgoing requests can be correlated.
package context

import (
	"context"
)

type contextKey string

const (
	// RequestIDKey is the context key for the HTTP request id.
	RequestIDKey contextKey = "request_id"

	// TaskIDKey is the context key for the task being evaluated.
	TaskIDKey contextKey = "task_id"
)

// TaskIDHeader tags outgoing search requests with the task they serve.
const TaskIDHeader = "X-Rice-Eval-Task"

// WithRequestID adds a request id to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// RequestID retrieves the request id from context.
// Returns empty string if not found.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithTaskID adds a task id to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, TaskIDKey, taskID)
}

// TaskID retrieves the task id from context.
// Returns empty string if not found.
func TaskID(ctx context.Context) string {
	if id, ok := ctx.Value(TaskIDKey).(string); ok {
		return id
	}
	return ""
}
