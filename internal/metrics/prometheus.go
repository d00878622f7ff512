package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "chronicle"

// promMirror maintains a CounterVec per counter name, created lazily with
// the label names of the first increment. A later increment with a
// different label set is dropped rather than panicking the hot path.
type promMirror struct {
	registry *prometheus.Registry

	mu   sync.Mutex
	vecs map[string]*counterVecEntry
}

type counterVecEntry struct {
	vec    *prometheus.CounterVec
	labels []string
}

func newPromMirror() *promMirror {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return &promMirror{
		registry: registry,
		vecs:     make(map[string]*counterVecEntry),
	}
}

func (m *promMirror) increment(name string, labels map[string]string, delta int64) {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	m.mu.Lock()
	entry, ok := m.vecs[name]
	if !ok {
		entry = &counterVecEntry{
			vec: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: promNamespace,
				Name:      name,
				Help:      "Chronicle counter " + name,
			}, keys),
			labels: keys,
		}
		if err := m.registry.Register(entry.vec); err != nil {
			m.mu.Unlock()
			return
		}
		m.vecs[name] = entry
	}
	m.mu.Unlock()

	if strings.Join(entry.labels, ",") != strings.Join(keys, ",") {
		return
	}

	values := make([]string, len(entry.labels))
	for i, k := range entry.labels {
		values[i] = labels[k]
	}
	counter, err := entry.vec.GetMetricWithLabelValues(values...)
	if err != nil {
		return
	}
	counter.Add(float64(delta))
}

// PromHandler exposes the Prometheus scrape endpoint for this registry.
func (r *Registry) PromHandler() http.Handler {
	if r.prom == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.prom.registry, promhttp.HandlerOpts{})
}
