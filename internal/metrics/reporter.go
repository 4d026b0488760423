package metrics

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/aman-churiwal/tier-gate/internal/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const namespace = "tiergate"

// RecordReader is the read-only view of the admission store the reporter
// aggregates over.
type RecordReader interface {
	ScanKeys(ctx context.Context, cursor uint64, count int64) ([]string, uint64, error)
	Get(ctx context.Context, key string) (*ratelimit.Record, error)
}

type Violator struct {
	Key        string         `json:"key"`
	Tier       ratelimit.Tier `json:"tier"`
	Violations int64          `json:"violations"`
	Blocked    bool           `json:"blocked"`
}

// Snapshot is a point-in-time aggregate of every admission record.
type Snapshot struct {
	TakenAt         time.Time        `json:"taken_at"`
	TotalRecords    int64            `json:"total_records"`
	BlockedRecords  int64            `json:"blocked_records"`
	ActiveRequests  int64            `json:"active_requests"`
	TotalViolations int64            `json:"total_violations"`
	RecordsByTier   map[string]int64 `json:"records_by_tier"`
	TopViolators    []Violator       `json:"top_violators"`
	ScanErrors      int              `json:"scan_errors"`
}

type ReporterConfig struct {
	TopN          int           // Default: 10
	ScanBatch     int64         // Default: 500
	ScrapeTimeout time.Duration // Default: 5 seconds
}

// Reporter aggregates admission state for the admin API and exports it to
// Prometheus. It also counts engine decisions.
type Reporter struct {
	store  RecordReader
	cfg    ReporterConfig
	logger *zap.Logger
	now    func() time.Time

	decisions *prometheus.CounterVec

	recordsDesc    *prometheus.Desc
	blockedDesc    *prometheus.Desc
	activeDesc     *prometheus.Desc
	violationsDesc *prometheus.Desc
	scanErrorsDesc *prometheus.Desc
}

var (
	_ prometheus.Collector       = (*Reporter)(nil)
	_ ratelimit.DecisionRecorder = (*Reporter)(nil)
)

// NewReporter registers the reporter and its decision counter with reg.
func NewReporter(store RecordReader, reg prometheus.Registerer, cfg ReporterConfig, logger *zap.Logger) *Reporter {
	if cfg.TopN <= 0 {
		cfg.TopN = 10
	}
	if cfg.ScanBatch <= 0 {
		cfg.ScanBatch = 500
	}
	if cfg.ScrapeTimeout <= 0 {
		cfg.ScrapeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Reporter{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,

		decisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_decisions_total",
				Help:      "Admission decisions by tier, outcome and reason.",
			},
			[]string{"tier", "outcome", "reason"},
		),

		recordsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "records", "total"),
			"Admission records in the store, by stored tier.",
			[]string{"tier"}, nil,
		),
		blockedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "records", "blocked"),
			"Admission records currently blocked.",
			nil, nil,
		),
		activeDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "requests", "in_flight"),
			"Admitted requests not yet released.",
			nil, nil,
		),
		violationsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "violations", "recorded"),
			"Lifetime violations summed over live records.",
			nil, nil,
		),
		scanErrorsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "snapshot", "errors"),
			"Records that could not be read during the last scrape.",
			nil, nil,
		),
	}

	if reg != nil {
		reg.MustRegister(r)
	}
	return r
}

// RecordDecision implements ratelimit.DecisionRecorder.
func (r *Reporter) RecordDecision(tier ratelimit.Tier, d ratelimit.Decision) {
	outcome := "allowed"
	switch {
	case d.Bypassed:
		outcome = "bypassed"
	case d.Allowed && d.Degraded:
		outcome = "degraded"
	case !d.Allowed:
		outcome = "denied"
	}
	reason := string(d.Reason)
	if reason == "" {
		reason = "none"
	}
	r.decisions.WithLabelValues(string(tier), outcome, reason).Inc()
}

// Snapshot scans every record. Records that cannot be read are counted in
// ScanErrors instead of failing the snapshot.
func (r *Reporter) Snapshot(ctx context.Context) (Snapshot, error) {
	now := r.now()
	snap := Snapshot{
		TakenAt:       now,
		RecordsByTier: make(map[string]int64),
	}
	var violators []Violator

	var cursor uint64
	for {
		keys, next, err := r.store.ScanKeys(ctx, cursor, r.cfg.ScanBatch)
		if err != nil {
			return snap, err
		}

		for _, key := range keys {
			rec, err := r.store.Get(ctx, key)
			if err != nil {
				snap.ScanErrors++
				continue
			}
			if rec == nil {
				continue
			}

			snap.TotalRecords++
			snap.RecordsByTier[string(rec.Tier)]++
			snap.ActiveRequests += rec.ActiveRequests
			snap.TotalViolations += rec.Violations

			blocked := rec.BlockedUntil != nil && rec.BlockedUntil.After(now)
			if blocked {
				snap.BlockedRecords++
			}
			if rec.Violations > 0 {
				violators = append(violators, Violator{
					Key:        key,
					Tier:       rec.Tier,
					Violations: rec.Violations,
					Blocked:    blocked,
				})
			}
		}

		if next == 0 {
			break
		}
		cursor = next
	}

	sort.Slice(violators, func(i, j int) bool {
		if violators[i].Violations != violators[j].Violations {
			return violators[i].Violations > violators[j].Violations
		}
		return strings.Compare(violators[i].Key, violators[j].Key) < 0
	})
	if len(violators) > r.cfg.TopN {
		violators = violators[:r.cfg.TopN]
	}
	snap.TopViolators = violators

	return snap, nil
}

func (r *Reporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- r.recordsDesc
	ch <- r.blockedDesc
	ch <- r.activeDesc
	ch <- r.violationsDesc
	ch <- r.scanErrorsDesc
}

// Collect takes a fresh snapshot per scrape.
func (r *Reporter) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ScrapeTimeout)
	defer cancel()

	snap, err := r.Snapshot(ctx)
	if err != nil {
		r.logger.Warn("metrics snapshot failed", zap.Error(err))
		ch <- prometheus.NewInvalidMetric(r.recordsDesc, err)
		return
	}

	for _, t := range ratelimit.AllTiers() {
		ch <- prometheus.MustNewConstMetric(r.recordsDesc, prometheus.GaugeValue,
			float64(snap.RecordsByTier[string(t)]), string(t))
	}
	ch <- prometheus.MustNewConstMetric(r.blockedDesc, prometheus.GaugeValue, float64(snap.BlockedRecords))
	ch <- prometheus.MustNewConstMetric(r.activeDesc, prometheus.GaugeValue, float64(snap.ActiveRequests))
	ch <- prometheus.MustNewConstMetric(r.violationsDesc, prometheus.GaugeValue, float64(snap.TotalViolations))
	ch <- prometheus.MustNewConstMetric(r.scanErrorsDesc, prometheus.GaugeValue, float64(snap.ScanErrors))
}
