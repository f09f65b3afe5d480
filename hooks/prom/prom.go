// Package promhooks counts syncache and offline hook events in Prometheus.
package promhooks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/unkn0wn-root/syncache"
	"github.com/unkn0wn-root/syncache/offline"
)

// Hooks implements both syncache.Hooks and offline.Hooks.
type Hooks struct {
	Duplicates      prometheus.Counter
	Echoes          prometheus.Counter
	StaleKeys       prometheus.Counter
	AggregateErrors prometheus.Counter
	Publishes       prometheus.Counter
	PublishErrors   *prometheus.CounterVec // stage
	LastGen         prometheus.Gauge
	Records         prometheus.Gauge
	SelfHeals       *prometheus.CounterVec // reason
	SetRejected     prometheus.Counter
	GenErrors       prometheus.Counter
	Outages         prometheus.Counter

	CacheHits     *prometheus.CounterVec // cache
	CacheMisses   prometheus.Counter
	Revalidations *prometheus.CounterVec // stored
	Fallbacks     *prometheus.CounterVec // kind
}

var (
	_ syncache.Hooks = (*Hooks)(nil)
	_ offline.Hooks  = (*Hooks)(nil)
)

// New registers the collectors with reg; nil reg => prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer, namespace string) *Hooks {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	vec := func(name, help, label string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, []string{label})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}
	return &Hooks{
		Duplicates:      counter("duplicates_rejected_total", "Creates refused because the identity key exists"),
		Echoes:          counter("echoes_suppressed_total", "Remote added events ignored as echoes"),
		StaleKeys:       counter("stale_keys_dropped_total", "Entries dropped after an identity change"),
		AggregateErrors: counter("aggregate_failures_total", "Case total recomputations that failed"),
		Publishes:       counter("publishes_total", "Snapshots published"),
		PublishErrors:   vec("publish_failures_total", "Publish failures by stage", "stage"),
		LastGen:         gauge("snapshot_generation", "Generation of the last published snapshot"),
		Records:         gauge("records", "Records in the last published snapshot"),
		SelfHeals:       vec("self_heals_total", "Stored entries deleted on read", "reason"),
		SetRejected:     counter("provider_set_rejected_total", "Writes refused by the provider"),
		GenErrors:       counter("gen_errors_total", "Generation store errors"),
		Outages:         counter("invalidate_outages_total", "Invalidations where bump and delete both failed"),

		CacheHits:     vec("offline_cache_hits_total", "Requests served from an offline cache", "cache"),
		CacheMisses:   counter("offline_cache_misses_total", "Requests not found in any offline cache"),
		Revalidations: vec("offline_revalidations_total", "Background refreshes by outcome", "stored"),
		Fallbacks:     vec("offline_fallbacks_total", "Offline responses by kind", "kind"),
	}
}

func (h *Hooks) DuplicateRejected(string)              { h.Duplicates.Inc() }
func (h *Hooks) EchoSuppressed(string)                 { h.Echoes.Inc() }
func (h *Hooks) StaleKeyDropped(string)                { h.StaleKeys.Inc() }
func (h *Hooks) AggregateFailed(string, error)         { h.AggregateErrors.Inc() }
func (h *Hooks) PublishFailed(stage string, _ error)   { h.PublishErrors.WithLabelValues(stage).Inc() }
func (h *Hooks) SelfHeal(_ string, reason string)      { h.SelfHeals.WithLabelValues(reason).Inc() }
func (h *Hooks) ProviderSetRejected(string)            { h.SetRejected.Inc() }
func (h *Hooks) GenError(string, error)                { h.GenErrors.Inc() }
func (h *Hooks) InvalidateOutage(string, error, error) { h.Outages.Inc() }

func (h *Hooks) Published(gen uint64, records int) {
	h.Publishes.Inc()
	h.LastGen.Set(float64(gen))
	h.Records.Set(float64(records))
}

func (h *Hooks) CacheHit(cache string)    { h.CacheHits.WithLabelValues(cache).Inc() }
func (h *Hooks) CacheMiss()               { h.CacheMisses.Inc() }
func (h *Hooks) OfflineFallback(k string) { h.Fallbacks.WithLabelValues(k).Inc() }
func (h *Hooks) Revalidated(_ string, stored bool) {
	if stored {
		h.Revalidations.WithLabelValues("true").Inc()
		return
	}
	h.Revalidations.WithLabelValues("false").Inc()
}
