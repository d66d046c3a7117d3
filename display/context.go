package display

import (
	"context"
	"os"
)

type contextKey struct{}

// WithDisplay adds a display instance to the context
func WithDisplay(ctx context.Context, d *Display) context.Context {
	return context.WithValue(ctx, contextKey{}, d)
}

// FromContext retrieves the display from ctx. Without one, a color-less
// display on stdout is returned.
func FromContext(ctx context.Context) *Display {
	if d, ok := ctx.Value(contextKey{}).(*Display); ok && d != nil {
		return d
	}
	return New(os.Stdout, WithErrorWriter(os.Stderr))
}
