package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// stageWindow keeps the most recent samples of each stage in a ring.
type stageWindow struct {
	mu         sync.RWMutex
	size       int
	rings      map[string]*ring
	indicators map[string]int
}

type ring struct {
	values []float64
	next   int
	full   bool
	last   float64
}

func (r *ring) add(v float64) {
	r.values[r.next] = v
	r.last = v
	r.next = (r.next + 1) % len(r.values)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) sorted() []float64 {
	n := r.next
	if r.full {
		n = len(r.values)
	}
	out := make([]float64, n)
	copy(out, r.values[:n])
	sort.Float64s(out)
	return out
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	return &stageWindow{
		size:       size,
		rings:      make(map[string]*ring),
		indicators: make(map[string]int),
	}
}

func (w *stageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.rings[stage]
	if !ok {
		r = &ring{values: make([]float64, w.size)}
		w.rings[stage] = r
	}
	r.add(ms)
}

func (w *stageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	names := make([]string, 0, len(w.rings))
	for name := range w.rings {
		names = append(names, name)
	}
	sort.Strings(names)

	stages := make([]StageStats, 0, len(names))
	for _, name := range names {
		r := w.rings[name]
		samples := r.sorted()
		if len(samples) == 0 {
			continue
		}
		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		stages = append(stages, StageStats{
			Stage:       name,
			Samples:     len(samples),
			LastMS:      round2(r.last),
			AvgMS:       round2(sum / float64(len(samples))),
			P50MS:       round2(quantile(samples, 0.50)),
			P95MS:       round2(quantile(samples, 0.95)),
			P99MS:       round2(quantile(samples, 0.99)),
			TargetP95MS: stageTargetP95MS(name),
		})
	}

	indicatorNames := make([]string, 0, len(w.indicators))
	for name := range w.indicators {
		indicatorNames = append(indicatorNames, name)
	}
	sort.Strings(indicatorNames)
	indicators := make([]Indicator, 0, len(indicatorNames))
	for _, name := range indicatorNames {
		indicators = append(indicators, Indicator{Name: name, Count: w.indicators[name]})
	}

	return StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      stages,
		Indicators:  indicators,
	}
}

func (w *stageWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rings = make(map[string]*ring)
	w.indicators = make(map[string]int)
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func stageTargetP95MS(stage string) float64 {
	switch stage {
	case "generate":
		return 2000
	case "turn_total":
		return 12000
	default:
		return 0
	}
}
