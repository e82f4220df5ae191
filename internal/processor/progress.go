package processor

import "context"

// ProgressFunc receives the number of units a processor has finished so far.
type ProgressFunc func(processed int64)

type progressKey struct{}

// WithProgress returns a context through which processors report progress
// to fn.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress forwards processed to the reporter carried by ctx. It is a
// no-op when ctx carries none.
func ReportProgress(ctx context.Context, processed int64) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok && fn != nil {
		fn(processed)
	}
}
