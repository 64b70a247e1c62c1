package client

import (
	"context"

	"pkt.systems/stride/internal/correlation"
)

// CorrelationHeader carries the correlation id.
const CorrelationHeader = correlation.Header

// WithCorrelationID annotates ctx with an id sent on subsequent requests.
// Invalid ids are ignored.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return correlation.With(ctx, id)
}

// CorrelationID returns the id attached to ctx, if any.
func CorrelationID(ctx context.Context) string {
	return correlation.ID(ctx)
}
