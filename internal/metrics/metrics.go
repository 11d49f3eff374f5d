// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for the envelope engine. It deliberately avoids the
// prometheus/client_golang package so the embedding binary stays small with
// no additional dependencies.
//
// # Counter naming convention
//
// Counters with labels use a tab-separated string as the label key so that a
// single sync.Map can hold all label combinations without map nesting:
//
//	DecryptFailed            →  key = reason
//	Aborted                  →  key = reason
//
// Unlabeled counters use the empty key.
//
// # Prometheus text output
//
// Calling Registry.Handler() returns an http.Handler that renders all metrics
// in the Prometheus exposition format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Value returns the current value for key.
func (lc *labelCounter) Value(key string) int64 { return lc.get(key).Load() }

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── gauge ────────────────────────────────────────────────────────────────────

// gauge is an atomic instantaneous value (queue depths, parked counts).
type gauge struct {
	val atomic.Int64
}

// Set stores v.
func (g *gauge) Set(v int64) { g.val.Store(v) }

// Value returns the current value.
func (g *gauge) Value() int64 { return g.val.Load() }

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all envelope-engine metrics.
type Registry struct {
	// Envelope-level counters.
	Processed     labelCounter // key = "" — envelopes fully committed
	Deduped       labelCounter // key = "" — envelopes rejected by the ledger
	DecryptFailed labelCounter // key = reason
	Aborted       labelCounter // key = reason
	Retried       labelCounter // key = "" — transient failures re-enqueued
	Failed        labelCounter // key = "" — envelopes past max retry attempts

	// Control-message counters.
	Parked   labelCounter // key = control kind — early arrivals parked
	Resolved labelCounter // key = control kind — parked items applied
	Evicted  labelCounter // key = control kind — parked items dropped at TTL/attempt bound

	// Gauges.
	IntakeDepth gauge // current intake queue backlog
	ParkedNow   gauge // current early-arrival buffer size
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder

		writePlain(&b, "envelopeq_envelopes_processed_total",
			"Total envelopes reconciled and committed", &r.Processed)
		writePlain(&b, "envelopeq_envelopes_deduped_total",
			"Total envelopes rejected as already processed", &r.Deduped)
		writeReason(&b, "envelopeq_decrypt_failed_total",
			"Total decryption failures by reason", &r.DecryptFailed)
		writeReason(&b, "envelopeq_envelopes_aborted_total",
			"Total reconciliations aborted by reason", &r.Aborted)
		writePlain(&b, "envelopeq_envelopes_retried_total",
			"Total envelopes re-enqueued after a transient failure", &r.Retried)
		writePlain(&b, "envelopeq_envelopes_failed_total",
			"Total envelopes surfaced as persistent delivery failures", &r.Failed)

		writeKind(&b, "envelopeq_control_parked_total",
			"Total control messages parked awaiting their target", &r.Parked)
		writeKind(&b, "envelopeq_control_resolved_total",
			"Total parked control messages applied to a landed target", &r.Resolved)
		writeKind(&b, "envelopeq_control_evicted_total",
			"Total parked control messages dropped at the TTL/attempt bound", &r.Evicted)

		writeGauge(&b, "envelopeq_intake_depth",
			"Current intake queue backlog", &r.IntakeDepth)
		writeGauge(&b, "envelopeq_parked_items",
			"Current early-arrival buffer size", &r.ParkedNow)

		fmt.Fprint(w, b.String())
	})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends individual label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	// Buffer individual metric lines so we can skip the header when empty.
	var lines []string
	fill(func(labels, val string) {
		if labels == "" {
			lines = append(lines, fmt.Sprintf("%s %s\n", name, val))
			return
		}
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// writePlain renders an unlabeled counter (stored under the empty key).
func writePlain(b *strings.Builder, name, help string, lc *labelCounter) {
	writeFamily(b, name, help, "counter", func(fn func(labels, val string)) {
		lc.Each(func(_ string, val int64) {
			fn("", fmt.Sprintf("%d", val))
		})
	})
}

// writeReason renders a counter labeled by failure reason.
func writeReason(b *strings.Builder, name, help string, lc *labelCounter) {
	writeFamily(b, name, help, "counter", func(fn func(labels, val string)) {
		lc.Each(func(key string, val int64) {
			fn(fmt.Sprintf(`reason=%q`, key), fmt.Sprintf("%d", val))
		})
	})
}

// writeKind renders a counter labeled by control-message kind.
func writeKind(b *strings.Builder, name, help string, lc *labelCounter) {
	writeFamily(b, name, help, "counter", func(fn func(labels, val string)) {
		lc.Each(func(key string, val int64) {
			fn(fmt.Sprintf(`kind=%q`, key), fmt.Sprintf("%d", val))
		})
	})
}

// writeGauge renders a single-valued gauge. Gauges are always emitted, even
// at zero, so dashboards can distinguish "empty" from "absent".
func writeGauge(b *strings.Builder, name, help string, g *gauge) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s gauge\n", name)
	fmt.Fprintf(b, "%s %d\n", name, g.Value())
}
