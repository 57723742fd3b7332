// ABOUTME: Load-spreading order for idle agents of one capability.
// ABOUTME: Least-recently-assigned first, which rotates work round-robin across instances.

package agent

import "sort"

// rankIdle orders entries so the agent that waited longest since its last
// assignment comes first. Agents never assigned sort before all others, and
// ties fall back to registration order.
func rankIdle(entries []*entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.agent.LastAssignedAt.Equal(b.agent.LastAssignedAt) {
			return a.agent.LastAssignedAt.Before(b.agent.LastAssignedAt)
		}
		return a.order < b.order
	})
}
