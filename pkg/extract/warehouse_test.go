package extract

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/afyalabs/datapull/pkg/source"
	"github.com/afyalabs/datapull/pkg/source/ndw"
	"github.com/afyalabs/datapull/pkg/staging"
)

type fakeWarehouseAPI struct {
	mu      sync.Mutex
	calls   map[string]int
	respond func(indicator, period string) ([]ndw.ExtractRow, error)
}

func (f *fakeWarehouseAPI) Dataset(_ context.Context, indicator, period string) ([]ndw.ExtractRow, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[indicator+":"+period]++
	f.mu.Unlock()
	return f.respond(indicator, period)
}

func testWarehouseConfig(store *staging.Store, api *fakeWarehouseAPI) WarehouseConfig {
	return WarehouseConfig{
		Logger:     slog.New(slog.NewTextHandler(os.Stderr, nil)),
		API:        api,
		Store:      store,
		Indicators: []string{"HTSTSTPOS", "TXCURR"},
		Start:      time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
		End:        time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC),
	}
}

func TestDataPull_Extract_WarehouseRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := testStore(t)
	value := int64(30)
	api := &fakeWarehouseAPI{
		respond: func(indicator, period string) ([]ndw.ExtractRow, error) {
			return []ndw.ExtractRow{{
				FacilityCode:   " 12345 ",
				FacilityName:   "Alpha Clinic",
				County:         "Nairobi",
				Period:         period,
				IndicatorValue: &value,
			}}, nil
		},
	}

	puller, err := NewWarehouse(testWarehouseConfig(store, api))
	require.NoError(t, err)
	result, err := puller.Run(ctx)
	require.NoError(t, err)

	// 2 indicators x 2 months, one extract row each.
	require.Equal(t, 4, result.UnitsCompleted)
	require.Equal(t, 0, result.UnitsFailed)
	require.Equal(t, 4, result.RowsStaged)
	require.Equal(t, 1, api.calls["HTSTSTPOS:202404"])
	require.Equal(t, 1, api.calls["TXCURR:202405"])

	count, err := store.CountWarehouseRows(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, count)

	status, err := store.GetResume(ctx, "HTSTSTPOS", "202404")
	require.NoError(t, err)
	require.Equal(t, staging.StatusCompleted, status)

	t.Run("a second run replaces the table", func(t *testing.T) {
		_, err := puller.Run(ctx)
		require.NoError(t, err)

		count, err := store.CountWarehouseRows(ctx)
		require.NoError(t, err)
		require.Equal(t, 4, count)
	})
}

func TestDataPull_Extract_WarehouseUnitFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := testStore(t)
	api := &fakeWarehouseAPI{
		respond: func(indicator, period string) ([]ndw.ExtractRow, error) {
			if indicator == "TXCURR" {
				return nil, &source.TransportError{Source: "ndw", Attempts: 5, Err: errors.New("timeout")}
			}
			return nil, nil
		},
	}

	puller, err := NewWarehouse(testWarehouseConfig(store, api))
	require.NoError(t, err)
	result, err := puller.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, result.UnitsCompleted)
	require.Equal(t, 2, result.UnitsFailed)

	status, err := store.GetResume(ctx, "TXCURR", "202404")
	require.NoError(t, err)
	require.Equal(t, staging.StatusFailed, status)
}

func TestDataPull_Extract_WarehouseAuthAborts(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	api := &fakeWarehouseAPI{
		respond: func(indicator, period string) ([]ndw.ExtractRow, error) {
			return nil, &source.AuthError{Source: "ndw", Status: 401}
		},
	}

	puller, err := NewWarehouse(testWarehouseConfig(store, api))
	require.NoError(t, err)
	_, err = puller.Run(context.Background())
	require.Error(t, err)
	require.True(t, source.IsAuth(err))
}
