package reconciler

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/labmesh-io/labmesh/internal/metrics"
)

// cleanupOrphans asks each online agent what labs it hosts, resolves the
// reported identifiers against the known labs, and when an agent hosts
// something unaccounted for, sends it the authoritative lab-id list so it can
// tear the orphans down.
func (r *Reconciler) cleanupOrphans(ctx context.Context) {
	labs, err := r.labs.ListAll(ctx)
	if err != nil {
		r.log.Error("orphan cleanup: list labs failed", zap.Error(err))
		return
	}
	known := make([]uuid.UUID, len(labs))
	for i, lab := range labs {
		known[i] = lab.ID
	}

	agents, err := r.agents.ListOnline(ctx)
	if err != nil {
		r.log.Error("orphan cleanup: list agents failed", zap.Error(err))
		return
	}

	for i := range agents {
		agent := &agents[i]
		discovered, err := r.client.DiscoverLabs(ctx, agent)
		if err != nil {
			r.log.Debug("lab discovery unavailable",
				zap.String("agent", agent.Name), zap.Error(err))
			continue
		}

		orphans := 0
		for _, d := range discovered {
			if _, ok := MatchLabID(d.LabID, known); !ok {
				orphans++
				r.log.Warn("orphaned lab discovered",
					zap.String("agent", agent.Name),
					zap.String("observed_id", d.LabID),
					zap.String("name", d.Name))
			}
		}
		if orphans == 0 {
			continue
		}
		metrics.ReconcileDrift.WithLabelValues("orphan").Add(float64(orphans))
		if err := r.client.CleanupOrphans(ctx, agent, known); err != nil {
			r.log.Warn("orphan cleanup failed",
				zap.String("agent", agent.Name), zap.Error(err))
		}
	}
}

// MatchLabID resolves an observed lab identifier, possibly truncated by the
// container runtime, against the known lab ids. Resolution order: exact
// match, then first prefix match in order.
func MatchLabID(observed string, known []uuid.UUID) (uuid.UUID, bool) {
	observed = strings.ToLower(observed)
	var prefix []uuid.UUID
	for _, id := range known {
		s := id.String()
		if s == observed {
			return id, true
		}
		if strings.HasPrefix(s, observed) && observed != "" {
			prefix = append(prefix, id)
		}
	}
	if len(prefix) == 0 {
		return uuid.UUID{}, false
	}
	return prefix[0], true
}
