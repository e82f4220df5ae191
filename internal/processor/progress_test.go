package processor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReportProgress(t *testing.T) {
	var got []int64
	ctx := WithProgress(context.Background(), func(n int64) { got = append(got, n) })

	ReportProgress(ctx, 3)
	ReportProgress(ctx, 5)
	assert.Equal(t, []int64{3, 5}, got)

	assert.NotPanics(t, func() { ReportProgress(context.Background(), 1) })
}
