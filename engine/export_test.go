package engine

import "github.com/warp/payroll-engine/payroll"

// setBeforeCommit installs a hook that runs after the parallel phase of
// Compute and before its commit, so tests can write while a period computes.
func setBeforeCommit(e *Engine, fn func(payroll.PeriodID)) {
	e.opts.beforeCommit = fn
}
