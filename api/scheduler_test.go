package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/payroll"
)

func TestArchiveScheduler_RunNow(t *testing.T) {
	s := newTestServer(t)
	s.seed()
	expect[ComputeReportDTO](s, http.StatusOK, "POST", "/api/periods/"+jan+"/compute", nil)

	// GIVEN: January closed, retention of two weeks (clock is March 1st)
	sched := NewArchiveScheduler(s.handler.Engine, s.handler.Log)
	sched.Retention = 14 * 24 * time.Hour

	// WHEN
	archived, err := sched.RunNow(context.Background())

	// THEN: only the closed period is archived
	require.NoError(t, err)
	assert.Equal(t, []payroll.PeriodID{jan}, archived)

	p, err := s.handler.Engine.Period(context.Background(), jan)
	require.NoError(t, err)
	assert.Equal(t, payroll.PeriodArchived, p.State)

	// AND: a second pass has nothing to do
	again, err := sched.RunNow(context.Background())
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestArchiveScheduler_RetentionNotElapsed(t *testing.T) {
	s := newTestServer(t)
	s.seed()
	expect[ComputeReportDTO](s, http.StatusOK, "POST", "/api/periods/"+jan+"/compute", nil)

	sched := NewArchiveScheduler(s.handler.Engine, s.handler.Log)

	archived, err := sched.RunNow(context.Background())

	require.NoError(t, err)
	assert.Empty(t, archived)
}

func TestArchiveScheduler_StartRunsImmediately(t *testing.T) {
	s := newTestServer(t)
	s.seed()
	expect[ComputeReportDTO](s, http.StatusOK, "POST", "/api/periods/"+jan+"/compute", nil)

	sched := NewArchiveScheduler(s.handler.Engine, s.handler.Log)
	sched.Retention = 24 * time.Hour
	sched.CheckInterval = time.Hour

	// WHEN
	sched.Start()
	t.Cleanup(sched.Stop)

	// THEN: the first pass runs without waiting for the ticker
	require.Eventually(t, func() bool {
		p, err := s.handler.Engine.Period(context.Background(), jan)
		return err == nil && p.State == payroll.PeriodArchived
	}, 2*time.Second, 10*time.Millisecond)
}

func TestArchiveScheduler_DisabledDoesNotStart(t *testing.T) {
	s := newTestServer(t)
	sched := NewArchiveScheduler(s.handler.Engine, s.handler.Log)
	sched.Enabled = false

	sched.Start()
	sched.Stop()

	assert.Nil(t, sched.ticker)
}

func TestRunArchiveEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.seed()
	expect[ComputeReportDTO](s, http.StatusOK, "POST", "/api/periods/"+jan+"/compute", nil)

	// GIVEN: no scheduler configured
	assert.Equal(t, http.StatusConflict, s.do("POST", "/api/archive/run", nil).Code)

	// WHEN: a scheduler is attached
	s.handler.Archiver = NewArchiveScheduler(s.handler.Engine, s.handler.Log)
	s.handler.Archiver.Retention = time.Hour
	out := expect[struct {
		Archived []string `json:"archived"`
	}](s, http.StatusOK, "POST", "/api/archive/run", nil)

	// THEN: archived periods reject reopening
	assert.Equal(t, []string{jan}, out.Archived)
	rec := s.do("POST", "/api/periods/"+jan+"/reopen", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
