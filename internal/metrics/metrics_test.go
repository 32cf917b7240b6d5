package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/phrase-mapper/pkg/types"
)

func TestNewCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.recordsLoaded)
	assert.NotNil(t, collector.jobsFinished)
	assert.NotNil(t, collector.jobLatency)

	// 重複註冊到同一個 registry 會 panic
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestNewCollector_DefaultRegisterer(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	assert.NotPanics(t, func() { NewCollector(nil) })
}

func TestRecordJobLifecycle(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordLoaded(5)
	c.RecordSkipped(SkipEmptyObjective, 1)
	c.RecordSkipped(SkipLoadError, 1)
	c.RecordSkipped(SkipLoadError, 0)

	for i := 0; i < 3; i++ {
		c.RecordSubmitted()
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(c.jobsInFlight))

	c.RecordOutcome(types.Outcome{Status: types.StatusSucceeded, Attempts: 1}, time.Second)
	c.RecordOutcome(types.Outcome{Status: types.StatusSucceeded, Attempts: 3}, 5*time.Second)
	c.RecordOutcome(types.Outcome{Status: types.StatusDroppedOracle, Attempts: 5}, 10*time.Second)

	assert.Equal(t, 5.0, testutil.ToFloat64(c.recordsLoaded))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.recordsSkipped.WithLabelValues(SkipEmptyObjective)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.recordsSkipped.WithLabelValues(SkipLoadError)))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.jobsSubmitted))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.jobsInFlight))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsFinished.WithLabelValues(string(types.StatusSucceeded))))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFinished.WithLabelValues(string(types.StatusDroppedOracle))))
	assert.Equal(t, 6.0, testutil.ToFloat64(c.oracleRetries), "0 + 2 + 4 retries")
}

func TestRecordMirror(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.RecordMirror(nil)
	c.RecordMirror(nil)
	c.RecordMirror(errors.New("quota"))

	assert.Equal(t, 2.0, testutil.ToFloat64(c.mirrorRows.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.mirrorRows.WithLabelValues("error")))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordLoaded(1)
		c.RecordSkipped(SkipLoadError, 1)
		c.RecordSubmitted()
		c.RecordOutcome(types.Outcome{Status: types.StatusSucceeded}, time.Second)
		c.RecordMirror(nil)
		c.SetRunDuration(time.Minute)
	})
}

func TestStartServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordLoaded(7)

	srv, err := StartServer(0, reg, nil)
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, srv.Shutdown(ctx))
	}()

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "mapper_records_loaded_total 7")
}
