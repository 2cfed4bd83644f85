package reseal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func miss(context.Context) (*Discovery, error) { return nil, nil }

func after(d time.Duration, strategy string) Strategy {
	return func(ctx context.Context) (*Discovery, error) {
		if !sleep(ctx, d) {
			return nil, nil
		}
		return &Discovery{Strategy: strategy, Result: &CallbackResult{}}, nil
	}
}

func failing(err error) Strategy {
	return func(context.Context) (*Discovery, error) { return nil, err }
}

func TestFirstSuccess(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		strategies []Strategy
		want       string
		wantErr    error
	}{
		{
			name:       "fastest wins",
			strategies: []Strategy{after(200*time.Millisecond, "slow"), after(time.Millisecond, "fast")},
			want:       "fast",
		},
		{
			name:       "misses are skipped",
			strategies: []Strategy{miss, miss, after(5*time.Millisecond, "late")},
			want:       "late",
		},
		{
			name:       "strategy errors count as misses",
			strategies: []Strategy{failing(errors.New("rpc down")), after(5*time.Millisecond, "ok")},
			want:       "ok",
		},
		{
			name:       "on-chain failure ends the race",
			strategies: []Strategy{after(200*time.Millisecond, "slow"), failing(ErrOnChainFailure)},
			wantErr:    ErrOnChainFailure,
		},
		{
			name:       "all miss",
			strategies: []Strategy{miss, failing(errors.New("boom"))},
		},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d, err := firstSuccess(context.Background(), tc.strategies...)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			if tc.want == "" {
				require.Nil(t, d)
				return
			}
			require.NotNil(t, d)
			require.Equal(t, tc.want, d.Strategy)
		})
	}
}

func TestFirstSuccessParentCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	blocking := func(context.Context) (*Discovery, error) {
		time.Sleep(500 * time.Millisecond)
		return nil, nil
	}
	start := time.Now()
	_, err := firstSuccess(ctx, blocking)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 400*time.Millisecond)
}
