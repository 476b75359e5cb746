package raft

import (
	gometrics "github.com/rcrowley/go-metrics"
)

// statOps is the fixed set of metered client operations, in report order.
var statOps = []string{
	"put", "get", "delete", "scan", "keepalive", "lock", "unlock", "watch",
}

// Stats meters the client RPC surface. Each operation gets an
// exponentially decaying meter; Report exposes its one-minute rate as the
// momentary load and its lifetime mean as the average.
type Stats struct {
	registry gometrics.Registry
}

// NewStats creates the meters for all known operations.
func NewStats() *Stats {
	s := &Stats{registry: gometrics.NewRegistry()}
	for _, op := range statOps {
		gometrics.NewRegisteredMeter(op, s.registry)
	}
	return s
}

// Mark counts one request of the given operation. Unknown operations are
// metered too, they just don't show up in a default report.
func (s *Stats) Mark(op string) {
	gometrics.GetOrRegisterMeter(op, s.registry).Mark(1)
}

// Report returns the rates for the requested operations, or for all known
// operations when ops is empty.
func (s *Stats) Report(ops []string) []OpStat {
	if len(ops) == 0 {
		ops = statOps
	}
	out := make([]OpStat, 0, len(ops))
	for _, op := range ops {
		meter := gometrics.GetOrRegisterMeter(op, s.registry)
		out = append(out, OpStat{
			Op:      op,
			Current: meter.Rate1(),
			Average: meter.RateMean(),
		})
	}
	return out
}
