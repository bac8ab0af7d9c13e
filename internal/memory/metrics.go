package memory

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/Joeromance84/echo-nexus-agi-sub003/internal/memory")

var (
	writesTotal         metric.Int64Counter
	readsTotal          metric.Int64Counter
	searchesTotal       metric.Int64Counter
	deletesTotal        metric.Int64Counter
	decryptFailures     metric.Int64Counter
	promotionsTotal     metric.Int64Counter
	reinforcementsTotal metric.Int64Counter
	synthesesTotal      metric.Int64Counter
	evictionsTotal      metric.Int64Counter
	cyclesTotal         metric.Int64Counter
	cyclesSkipped       metric.Int64Counter
	recordsGauge        metric.Int64Gauge
	consciousnessGauge  metric.Float64Gauge
)

func init() {
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			c, _ = meter.Int64Counter(name + ".fallback")
		}
		return c
	}

	writesTotal = counter("memory.writes.total", "Total memory put operations")
	readsTotal = counter("memory.reads.total", "Total memory get operations")
	searchesTotal = counter("memory.searches.total", "Total memory query operations")
	deletesTotal = counter("memory.deletes.total", "Total memory delete operations")
	decryptFailures = counter("memory.decrypt.failures", "Records that failed decryption")
	promotionsTotal = counter("memory.consolidation.promotions", "Episodic records promoted to semantic")
	reinforcementsTotal = counter("memory.consolidation.reinforcements", "Procedural skill reinforcements applied")
	synthesesTotal = counter("memory.consolidation.syntheses", "Cross-tier synthesis records emitted")
	evictionsTotal = counter("memory.consolidation.evictions", "Records deleted by eviction sweeps")
	cyclesTotal = counter("memory.consolidation.cycles", "Completed consolidation cycles")
	cyclesSkipped = counter("memory.consolidation.cycles.skipped", "Cycles skipped because the previous one was still running")

	var err error
	recordsGauge, err = meter.Int64Gauge("memory.records.count",
		metric.WithDescription("Current number of persisted memory records"))
	if err != nil {
		recordsGauge, _ = meter.Int64Gauge("memory.records.count.fallback")
	}
	consciousnessGauge, err = meter.Float64Gauge("memory.consciousness.level",
		metric.WithDescription("Derived observational metric: store size, avg importance, synthesis density"))
	if err != nil {
		consciousnessGauge, _ = meter.Float64Gauge("memory.consciousness.level.fallback")
	}
}

// tierAttr labels a gauge sample with its tier.
func tierAttr(tier Tier) metric.RecordOption {
	return metric.WithAttributes(attribute.String("memory.tier", string(tier)))
}
