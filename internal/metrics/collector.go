package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"hostvisor/internal/domain"
	"hostvisor/internal/runner"
)

// TargetSource lists the processes to sample on each tick.
type TargetSource interface {
	Running() []runner.Target
}

type gauges struct {
	cpu      *prometheus.GaugeVec
	memory   *prometheus.GaugeVec
	uptime   *prometheus.GaugeVec
	failures prometheus.Counter
}

func newGauges(reg prometheus.Registerer) *gauges {
	g := &gauges{
		cpu: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hostvisor",
			Subsystem: "instance",
			Name:      "cpu_percent",
			Help:      "CPU usage of the instance process, in percent of one core",
		}, []string{"instance"}),
		memory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hostvisor",
			Subsystem: "instance",
			Name:      "memory_bytes",
			Help:      "Resident memory of the instance process",
		}, []string{"instance"}),
		uptime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hostvisor",
			Subsystem: "instance",
			Name:      "uptime_seconds",
			Help:      "Seconds since the instance process was started",
		}, []string{"instance"}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hostvisor",
			Subsystem: "metrics",
			Name:      "sample_failures_total",
			Help:      "Total failed resource samples",
		}),
	}
	if reg != nil {
		reg.MustRegister(g.cpu, g.memory, g.uptime, g.failures)
	}
	return g
}

func (g *gauges) forget(id string) {
	g.cpu.DeleteLabelValues(id)
	g.memory.DeleteLabelValues(id)
	g.uptime.DeleteLabelValues(id)
}

// Collector periodically samples every running instance and reports the
// result as metrics events. A failed sample is logged and skipped; it never
// affects the instance's status.
type Collector struct {
	source   TargetSource
	sampler  Sampler
	events   chan<- domain.Event
	interval time.Duration
	log      zerolog.Logger
	gauges   *gauges

	mu       sync.Mutex
	exported map[string]struct{}
	// forgets counts Forget calls per instance. A sample is only exported
	// when the count is unchanged since the targets were listed.
	forgets map[string]uint64
}

// NewCollector registers the collector's Prometheus metrics on reg, which
// may be nil.
func NewCollector(source TargetSource, sampler Sampler, events chan<- domain.Event, interval time.Duration, reg prometheus.Registerer, log zerolog.Logger) *Collector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Collector{
		source:   source,
		sampler:  sampler,
		events:   events,
		interval: interval,
		log:      log,
		gauges:   newGauges(reg),
		exported: make(map[string]struct{}),
		forgets:  make(map[string]uint64),
	}
}

// Run samples on every tick until ctx is done.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect takes one sample of every running instance.
func (c *Collector) Collect(ctx context.Context) {
	c.mu.Lock()
	gens := make(map[string]uint64, len(c.forgets))
	for id, n := range c.forgets {
		gens[id] = n
	}
	c.mu.Unlock()
	targets := c.source.Running()
	now := time.Now()

	current := make(map[string]struct{}, len(targets))
	pids := make([]int, 0, len(targets))
	for _, target := range targets {
		pids = append(pids, target.PID)

		sample, err := c.sampler.Sample(target.PID)
		if err != nil {
			c.gauges.failures.Inc()
			err = domain.NewOpError("sample", target.ID, fmt.Errorf("%w: pid %d: %v", domain.ErrMetricsSampleFailed, target.PID, err))
			c.log.Warn().Err(err).Str("instance_id", target.ID).Msg("resource sample failed")
			continue
		}

		snap := domain.ResourceSnapshot{
			CPUPercent:  sample.CPUPercent,
			MemoryBytes: sample.MemoryBytes,
			SampledAt:   now,
		}
		if !target.StartedAt.IsZero() {
			snap.Uptime = now.Sub(target.StartedAt)
		}

		c.mu.Lock()
		if c.forgets[target.ID] != gens[target.ID] {
			c.mu.Unlock()
			continue
		}
		current[target.ID] = struct{}{}
		c.gauges.cpu.WithLabelValues(target.ID).Set(snap.CPUPercent)
		c.gauges.memory.WithLabelValues(target.ID).Set(float64(snap.MemoryBytes))
		c.gauges.uptime.WithLabelValues(target.ID).Set(snap.Uptime.Seconds())
		c.mu.Unlock()

		ev := domain.Event{
			Type:       domain.EventMetrics,
			InstanceID: target.ID,
			Time:       now,
			PID:        target.PID,
			Resources:  snap,
		}
		select {
		case c.events <- ev:
		case <-ctx.Done():
			return
		}
	}

	c.mu.Lock()
	for id := range c.exported {
		if _, ok := current[id]; !ok {
			c.gauges.forget(id)
		}
	}
	c.exported = current
	c.mu.Unlock()

	if r, ok := c.sampler.(interface{ Retain([]int) }); ok {
		r.Retain(pids)
	}
}

// Forget removes an instance's exported metrics, for use as soon as it
// leaves the Running state. A Collect already in progress does not export
// the instance again.
func (c *Collector) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgets[id]++
	delete(c.exported, id)
	c.gauges.forget(id)
}
