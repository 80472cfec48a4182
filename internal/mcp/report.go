package mcp

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/leixiaohui-1974/pestcal/internal/sanitize"
	"github.com/leixiaohui-1974/pestcal/internal/store"
)

// runReport formats a stored run as markdown. Names from the problem file
// are sanitized.
func runReport(run *store.Run) string {
	res := run.Result
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Calibration run %s\n\n", sanitize.Heading(run.ID))
	fmt.Fprintf(&sb, "**Problem:** %s\n", sanitize.Cell(run.Problem))
	fmt.Fprintf(&sb, "**Method:** %s\n", res.Method)
	fmt.Fprintf(&sb, "**Stopped:** %s (converged: %v)\n", res.Reason, res.Converged)
	fmt.Fprintf(&sb, "**Objective:** %.6g\n", res.Objective)
	fmt.Fprintf(&sb, "**Iterations:** %d, forward runs: %d\n", res.Iterations, res.ForwardRuns)
	fmt.Fprintf(&sb, "**Started:** %s, took %s\n\n", run.StartedAt.Format("2006-01-02 15:04:05 MST"), run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))

	sb.WriteString("## Parameters\n\n| group | parameter | value |\n|---|---|---|\n")
	groups := make([]string, 0, len(res.Parameters))
	for g := range res.Parameters {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	for _, g := range groups {
		names := make([]string, 0, len(res.Parameters[g]))
		for n := range res.Parameters[g] {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Fprintf(&sb, "| %s | %s | %.6g |\n", sanitize.Cell(g), sanitize.Cell(n), res.Parameters[g][n])
		}
	}

	sb.WriteString("\n## Objective history\n\n| iteration | phi | accepted |\n|---|---|---|\n")
	for _, rec := range res.History {
		fmt.Fprintf(&sb, "| %d | %.6g | %v |\n", rec.Iteration, rec.Objective, rec.Accepted)
	}
	return sb.String()
}
