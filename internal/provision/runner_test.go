package provision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"staffline/internal/fault"
)

func ok(detail string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return detail, nil }
}

func failing(err error) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return "", err }
}

func TestRunnerStopsAtMandatoryFailure(t *testing.T) {
	steps, err := Runner{}.Run(context.Background(), []Stage{
		{{Name: "a", Mandatory: true, Run: ok("done")}},
		{{Name: "b", Run: failing(errors.New("flaky"))}},
		{{Name: "c", Mandatory: true, Run: failing(fault.Rejected(fault.ReasonOther, nil, "отказ"))}},
		{{Name: "d", Run: ok("never")}},
	})
	require.Error(t, err)
	assert.Equal(t, fault.DirectoryRejected, fault.CategoryOf(err))
	require.Len(t, steps, 3)
	assert.True(t, steps[0].OK)
	assert.False(t, steps[1].OK)
	assert.Equal(t, fault.DependencyFailed, steps[1].Category)
	assert.Equal(t, "отказ", steps[2].Detail)
}

func TestRunnerAbandonsStepIgnoringContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	start := time.Now()
	steps, err := Runner{}.Run(context.Background(), []Stage{
		{{Name: "stuck", Timeout: 20 * time.Millisecond, Run: func(context.Context) (string, error) {
			<-release
			return "late", nil
		}}},
		{{Name: "after", Run: ok("ran")}},
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, steps, 2)
	assert.Equal(t, fault.DependencyTimeout, steps[0].Category)
	assert.True(t, steps[1].OK)
}

func TestRunnerRunsStageConcurrently(t *testing.T) {
	barrier := make(chan struct{})
	wait := func(ctx context.Context) (string, error) {
		select {
		case barrier <- struct{}{}:
		case <-barrier:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return "met", nil
	}
	steps, err := Runner{Timeout: time.Second}.Run(context.Background(), []Stage{
		{{Name: "x", Timeout: 500 * time.Millisecond, Run: wait}, {Name: "y", Timeout: 500 * time.Millisecond, Run: wait}},
	})
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.True(t, steps[0].OK)
	assert.True(t, steps[1].OK)
}

func TestRunnerOuterTimeoutReturnsPartialResults(t *testing.T) {
	steps, err := Runner{Timeout: 30 * time.Millisecond}.Run(context.Background(), []Stage{
		{{Name: "quick", Mandatory: true, Run: ok("ok")}},
		{{Name: "slow", Mandatory: true, Run: func(ctx context.Context) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}}},
	})
	require.Error(t, err)
	var fe *fault.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, fault.DependencyTimeout, fe.Category)
	assert.Equal(t, "outer", fe.Stage)
	require.NotEmpty(t, steps)
	assert.Equal(t, "quick", steps[0].Name)
	assert.True(t, steps[0].OK)
}
