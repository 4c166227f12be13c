package telemetry

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

// ---------------------------------------------------------------------------
// Metric registration sanity checks
//
// Registration is checked via Describe() because Gather() omits *Vec metrics
// that have never been observed.
// ---------------------------------------------------------------------------

func TestMetrics_AllRegistered(t *testing.T) {
	cases := []struct {
		name string
		c    prometheus.Collector
	}{
		{"http_requests_total", HTTPRequestsTotal},
		{"http_request_duration_seconds", HTTPRequestDuration},
		{"ocr_conversions_total", ConversionsTotal},
		{"ocr_conversion_duration_seconds", ConversionDuration},
		{"ocr_cache_hits_total", CacheHitsTotal},
		{"ocr_jobs_in_flight", JobsInFlight},
		{"ocr_auth_rejections_total", AuthRejectionsTotal},
		{"ocr_usage_log_write_errors_total", UsageLogWriteErrorsTotal},
		{"ocr_stale_jobs_swept_total", StaleJobsSweptTotal},
		{"db_open_connections", DBOpenConnections},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ch := make(chan *prometheus.Desc, 10)
			tc.c.Describe(ch)
			close(ch)
			for desc := range ch {
				if strings.Contains(desc.String(), `"`+tc.name+`"`) {
					return
				}
			}
			t.Errorf("metric %q: Describe() returned no descriptor with this fqName", tc.name)
		})
	}
}

func TestMetrics_ConversionsTotal_CanBeIncremented(t *testing.T) {
	c := ConversionsTotal.WithLabelValues("cli", "succeeded")
	before := testutil.ToFloat64(c)
	c.Inc()
	if got := testutil.ToFloat64(c); got-before != 1 {
		t.Errorf("ConversionsTotal delta = %.0f, want 1", got-before)
	}
}

func TestMetrics_LabelledCounters(t *testing.T) {
	cases := []struct {
		name string
		c    prometheus.Counter
	}{
		{"cache hit on succeeded job", CacheHitsTotal.WithLabelValues("succeeded")},
		{"cache hit on failed job", CacheHitsTotal.WithLabelValues("failed")},
		{"missing key", AuthRejectionsTotal.WithLabelValues("missing")},
		{"invalid key", AuthRejectionsTotal.WithLabelValues("invalid")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := testutil.ToFloat64(tc.c)
			tc.c.Inc()
			if got := testutil.ToFloat64(tc.c) - before; got != 1 {
				t.Errorf("delta = %.0f, want 1", got)
			}
		})
	}
}

func TestMetrics_JobsInFlight_Gauge(t *testing.T) {
	JobsInFlight.Set(3)
	if got := testutil.ToFloat64(JobsInFlight); got != 3 {
		t.Errorf("JobsInFlight = %.0f, want 3", got)
	}
	JobsInFlight.Set(0)
}

func TestMetrics_PlainCounters(t *testing.T) {
	for _, c := range []prometheus.Counter{UsageLogWriteErrorsTotal, StaleJobsSweptTotal} {
		before := testutil.ToFloat64(c)
		c.Inc()
		if testutil.ToFloat64(c)-before != 1 {
			t.Error("counter did not increase by one")
		}
	}
}

func TestMetrics_ConversionDuration_CoversLongRuns(t *testing.T) {
	obs := ConversionDuration.WithLabelValues("cli-long-run")
	obs.Observe(25 * 60)

	var dm dto.Metric
	if err := obs.(prometheus.Metric).Write(&dm); err != nil {
		t.Fatalf("write histogram: %v", err)
	}
	h := dm.GetHistogram()
	if h.GetSampleCount() != 1 {
		t.Fatalf("sample count = %d, want 1", h.GetSampleCount())
	}
	buckets := h.GetBucket()
	top := buckets[len(buckets)-1]
	if top.GetUpperBound() != 1800 || top.GetCumulativeCount() != 1 {
		t.Errorf("le=%v holds %d samples, want a finite 30m bucket holding the 25m run",
			top.GetUpperBound(), top.GetCumulativeCount())
	}
	for _, b := range buckets {
		if b.GetUpperBound() < 1500 && b.GetCumulativeCount() != 0 {
			t.Errorf("le=%v counted a 25m run", b.GetUpperBound())
		}
	}
}
