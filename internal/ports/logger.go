package ports

import "context"

// Fields are structured key/value pairs attached to a log line.
type Fields = map[string]interface{}

// Logger is the structured logger every component writes through.
// Only the first Fields argument is used.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...Fields)
	Info(ctx context.Context, msg string, fields ...Fields)
	Warn(ctx context.Context, msg string, fields ...Fields)
	// Error logs err alongside msg.
	Error(ctx context.Context, err error, msg string, fields ...Fields)
}
