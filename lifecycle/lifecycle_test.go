package lifecycle_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/lifecycle"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/payroll/store"
)

var now = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

func newController() *lifecycle.Controller {
	c := lifecycle.NewController(slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.Clock = func() time.Time { return now }
	return c
}

func jan() payroll.DateRange {
	return payroll.DateRange{Start: payroll.MustParseDate("2025-01-01"), End: payroll.MustParseDate("2025-01-31")}
}

func TestNext_Table(t *testing.T) {
	states := []payroll.PeriodState{payroll.PeriodOpen, payroll.PeriodComputing, payroll.PeriodClosed, payroll.PeriodArchived}
	events := []lifecycle.Event{lifecycle.EventCompute, lifecycle.EventComplete, lifecycle.EventCancel, lifecycle.EventReopen, lifecycle.EventArchive}

	allowed := map[payroll.PeriodState]map[lifecycle.Event]payroll.PeriodState{
		payroll.PeriodOpen:      {lifecycle.EventCompute: payroll.PeriodComputing},
		payroll.PeriodComputing: {lifecycle.EventComplete: payroll.PeriodClosed, lifecycle.EventCancel: payroll.PeriodOpen},
		payroll.PeriodClosed:    {lifecycle.EventReopen: payroll.PeriodOpen, lifecycle.EventArchive: payroll.PeriodArchived},
		payroll.PeriodArchived:  {},
	}

	for _, s := range states {
		for _, ev := range events {
			to, ok := lifecycle.Next(s, ev)
			want, wantOK := allowed[s][ev]
			assert.Equal(t, wantOK, ok, "%s --%s-->", s, ev)
			assert.Equal(t, want, to, "%s --%s-->", s, ev)
		}
	}
}

func TestFire_InvalidTransitionLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	c := newController()

	var p payroll.Period
	require.NoError(t, mem.WithTx(ctx, func(tx payroll.Tx) error {
		var err error
		p, err = lifecycle.CreatePeriod(ctx, tx, jan(), "test", now)
		return err
	}))

	// WHEN: archiving an open period
	err := mem.WithTx(ctx, func(tx payroll.Tx) error {
		_, err := c.Fire(ctx, tx, p.ID, lifecycle.EventArchive, "test", "")
		return err
	})

	// THEN
	var terr *payroll.InvalidTransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, payroll.PeriodOpen, terr.From)
	require.NoError(t, mem.View(ctx, func(tx payroll.Tx) error {
		got, err := tx.GetPeriod(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, payroll.PeriodOpen, got.State)
		history, err := tx.ListTransitions(ctx, p.ID)
		require.NoError(t, err)
		assert.Empty(t, history)
		return nil
	}))
}

func TestFire_RecordsHistory(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	c := newController()

	require.NoError(t, mem.WithTx(ctx, func(tx payroll.Tx) error {
		p, err := lifecycle.CreatePeriod(ctx, tx, jan(), "test", now)
		require.NoError(t, err)
		for _, ev := range []lifecycle.Event{lifecycle.EventCompute, lifecycle.EventComplete, lifecycle.EventArchive} {
			_, err := c.Fire(ctx, tx, p.ID, ev, "ana", "")
			require.NoError(t, err)
		}
		history, err := tx.ListTransitions(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, payroll.PeriodArchived, history[2].To)
		assert.Equal(t, "ana", history[2].Actor)
		return nil
	}))
}

func TestFire_ReopenInvalidatesResults(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	c := newController()

	require.NoError(t, mem.WithTx(ctx, func(tx payroll.Tx) error {
		p, err := lifecycle.CreatePeriod(ctx, tx, jan(), "test", now)
		require.NoError(t, err)
		require.NoError(t, tx.SetPeriodState(ctx, p.ID, payroll.PeriodOpen, payroll.PeriodClosed, now))
		require.NoError(t, tx.InsertEntry(ctx, payroll.Entry{ID: "e1", Status: payroll.EntryIncluded, PeriodID: p.ID, OccurredOn: payroll.MustParseDate("2025-01-02")}))
		require.NoError(t, tx.InsertResult(ctx, payroll.ComputationResult{ID: "r1", PeriodID: p.ID, Status: payroll.ResultFinalized, EntryIDs: []payroll.EntryID{"e1"}}))
		require.NoError(t, tx.InsertResult(ctx, payroll.ComputationResult{ID: "r0", PeriodID: p.ID, Status: payroll.ResultSuperseded}))

		_, err = c.Fire(ctx, tx, p.ID, lifecycle.EventReopen, "test", "correction")
		require.NoError(t, err)

		r1, _ := tx.GetResult(ctx, "r1")
		assert.Equal(t, payroll.ResultInvalidated, r1.Status)
		r0, _ := tx.GetResult(ctx, "r0")
		assert.Equal(t, payroll.ResultSuperseded, r0.Status)
		e1, _ := tx.GetEntry(ctx, "e1")
		assert.Equal(t, payroll.EntryPending, e1.Status)
		assert.Empty(t, e1.PeriodID)
		return nil
	}))
}

func TestCreatePeriod_RejectsOverlap(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	err := mem.WithTx(ctx, func(tx payroll.Tx) error {
		_, err := lifecycle.CreatePeriod(ctx, tx, jan(), "test", now)
		require.NoError(t, err)
		_, err = lifecycle.CreatePeriod(ctx, tx, payroll.DateRange{
			Start: payroll.MustParseDate("2025-01-31"), End: payroll.MustParseDate("2025-02-27"),
		}, "test", now)
		return err
	})
	assert.ErrorIs(t, err, payroll.ErrInvalidInput)
}

func TestNextPeriod(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	require.NoError(t, mem.WithTx(ctx, func(tx payroll.Tx) error {
		_, err := lifecycle.NextPeriod(ctx, tx, "test", now)
		assert.ErrorIs(t, err, payroll.ErrInvalidState)

		_, err = lifecycle.CreatePeriod(ctx, tx, payroll.DateRange{
			Start: payroll.MustParseDate("2025-01-06"), End: payroll.MustParseDate("2025-01-12"),
		}, "test", now)
		require.NoError(t, err)

		next, err := lifecycle.NextPeriod(ctx, tx, "test", now)
		require.NoError(t, err)
		assert.Equal(t, "[2025-01-13, 2025-01-19]", next.Range.String())
		assert.Equal(t, payroll.PeriodOpen, next.State)
		return nil
	}))
}

func TestDueForArchive(t *testing.T) {
	periods := []payroll.Period{
		{ID: "old", State: payroll.PeriodClosed, Range: jan()},
		{ID: "open", State: payroll.PeriodOpen, Range: jan()},
		{ID: "recent", State: payroll.PeriodClosed, Range: payroll.DateRange{
			Start: payroll.MustParseDate("2025-02-01"), End: payroll.MustParseDate("2025-02-28"),
		}},
	}
	due := lifecycle.DueForArchive(periods, now, 14*24*time.Hour)
	require.Len(t, due, 1)
	assert.Equal(t, payroll.PeriodID("old"), due[0].ID)
}
