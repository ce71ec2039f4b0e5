package engine

import (
	"context"
	"regexp"
	"strconv"
)

// Incident ids of one workflow run or pod differ only in a trailing
// counter: gh-<run>-attempt-<n>, k8s-<uid>-restart-<n>.
var lineageRe = regexp.MustCompile(`^(.+-(?:attempt|restart)-)(\d+)$`)

// Predecessors returns up to limit ids of earlier incidents in the same
// lineage as id, nearest first.
func Predecessors(id string, limit int) []string {
	m := lineageRe.FindStringSubmatch(id)
	if m == nil || limit <= 0 {
		return nil
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return nil
	}
	var out []string
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m[1]+strconv.Itoa(i))
	}
	return out
}

// lineageAttempts sums execution attempts recorded for earlier incidents of
// the same lineage. Lookup errors count as zero.
func (e *Engine) lineageAttempts(ctx context.Context, id string) int {
	total := 0
	for _, pid := range Predecessors(id, e.lineageDepth) {
		prev, err := e.ledger.Get(ctx, pid)
		if err != nil || prev == nil {
			continue
		}
		total += prev.PriorAttempts()
	}
	return total
}
