package analytics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gexstream/internal/config"
	"gexstream/internal/store"
	"gexstream/pkg/types"
)

type fakeSnapshot struct {
	spot     float64
	spotErr  error
	quotes   []types.OptionQuote
	snapErr  error
	writes   int
	written  types.GEXSummary
	rows     []types.GEXByStrike
	writeErr error
}

func (f *fakeSnapshot) LatestUnderlyingClose(_ context.Context, _ string, _ time.Time) (float64, time.Time, error) {
	if f.spotErr != nil {
		return 0, time.Time{}, f.spotErr
	}
	return f.spot, time.Now().Add(-time.Minute), nil
}

func (f *fakeSnapshot) LatestOptionSnapshot(_ context.Context, _ string, _ time.Time) ([]types.OptionQuote, error) {
	return f.quotes, f.snapErr
}

func (f *fakeSnapshot) WriteGEXResults(_ context.Context, summary types.GEXSummary, rows []types.GEXByStrike) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes++
	f.written = summary
	f.rows = rows
	return nil
}

func testEngine(t *testing.T, f *fakeSnapshot) *Engine {
	t.Helper()
	cfg := &config.Config{
		Underlying: "SPY",
		Numerics:   config.NumericsConfig{RiskFreeRate: 0.05},
		Analytics: config.AnalyticsConfig{
			Interval:        time.Minute,
			StalenessWindow: 5 * time.Minute,
		},
	}
	e, err := NewEngine(cfg, f, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return e
}

func TestNewEngineRegistersSchedule(t *testing.T) {
	t.Parallel()

	e := testEngine(t, &fakeSnapshot{})
	require.Len(t, e.cron.Entries(), 1)
}

func TestRunOnceWritesResults(t *testing.T) {
	t.Parallel()

	f := &fakeSnapshot{
		spot: 450,
		quotes: []types.OptionQuote{
			snap(types.Call, 450, 0.04, 1000, 500),
			snap(types.Put, 450, 0.03, 2000, 800),
		},
	}
	e := testEngine(t, f)

	require.NoError(t, e.RunOnce(context.Background()))
	assert.Equal(t, 1, f.writes)
	assert.Equal(t, "SPY", f.written.Underlying)
	require.Len(t, f.rows, 1)
	assert.InDelta(t, f.rows[0].CallGamma-f.rows[0].PutGamma, f.rows[0].NetGEX, 1e-9)
}

func TestRunOnceSkipsWithoutSpot(t *testing.T) {
	t.Parallel()

	f := &fakeSnapshot{spotErr: store.ErrNoData}
	e := testEngine(t, f)

	require.NoError(t, e.RunOnce(context.Background()))
	assert.Zero(t, f.writes, "stale window must not produce a write")
}

func TestRunOnceSkipsEmptySnapshot(t *testing.T) {
	t.Parallel()

	noOI := snap(types.Call, 450, 0.04, 0, 10)
	f := &fakeSnapshot{spot: 450, quotes: []types.OptionQuote{noOI}}
	e := testEngine(t, f)

	require.NoError(t, e.RunOnce(context.Background()))
	assert.Zero(t, f.writes, "snapshot with no usable contracts must skip")
}

func TestRunOncePropagatesErrors(t *testing.T) {
	t.Parallel()

	f := &fakeSnapshot{spot: 450, snapErr: errors.New("db down")}
	e := testEngine(t, f)
	require.Error(t, e.RunOnce(context.Background()))

	f2 := &fakeSnapshot{
		spot:     450,
		quotes:   []types.OptionQuote{snap(types.Call, 450, 0.04, 100, 10)},
		writeErr: errors.New("db down"),
	}
	e2 := testEngine(t, f2)
	require.Error(t, e2.RunOnce(context.Background()))
}
