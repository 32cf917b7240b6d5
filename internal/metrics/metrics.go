// ============================================================================
// Phrase-Mapper Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集一次批次執行的指標，並可選擇在執行期間以 /metrics 暴露
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - mapper_records_loaded_total: 讀入的來源列數
//      - mapper_records_skipped_total{reason}: 未成為任務的列（empty_objective / load_error）
//      - mapper_jobs_submitted_total: 送進 worker pool 的任務數
//      - mapper_jobs_finished_total{status}: 依終止狀態分類的任務數
//      - mapper_oracle_retries_total: oracle 重試次數（不含第一次嘗試）
//      - mapper_mirror_rows_total{result}: 鏡像到試算表的列（ok / error）
//
//   2. 分佈 (Histogram)：
//      - mapper_job_latency_seconds: 單一任務處理時間（含所有重試等待）
//      - mapper_oracle_attempts: 每個任務的 oracle 嘗試次數
//
//   3. 瞬時值 (Gauge)：
//      - mapper_jobs_in_flight: 已送出但尚未收到結果的任務數
//      - mapper_run_duration_seconds: 最近一次執行的總耗時
//
// Prometheus 查詢示例:
//
//   # 丟棄率
//   sum(mapper_jobs_finished_total{status!="succeeded"}) / sum(mapper_jobs_finished_total)
//
//   # 95 分位任務延遲
//   histogram_quantile(0.95, mapper_job_latency_seconds_bucket)
//
// 所有 Record 方法在 nil *Collector 上都是 no-op，元件可以不帶指標執行。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/phrase-mapper/internal/logging"
	"github.com/ChuLiYu/phrase-mapper/pkg/types"
)

const namespace = "mapper"

// Skip reasons for RecordSkipped.
const (
	SkipEmptyObjective = "empty_objective"
	SkipLoadError      = "load_error"
)

// Collector Prometheus 指標收集器
type Collector struct {
	recordsLoaded  prometheus.Counter
	recordsSkipped *prometheus.CounterVec
	jobsSubmitted  prometheus.Counter
	jobsFinished   *prometheus.CounterVec
	oracleRetries  prometheus.Counter
	mirrorRows     *prometheus.CounterVec

	jobLatency     prometheus.Histogram
	oracleAttempts prometheus.Histogram

	jobsInFlight prometheus.Gauge
	runDuration  prometheus.Gauge
}

// NewCollector 創建指標收集器並註冊到 reg；reg 為 nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		recordsLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_loaded_total",
			Help:      "Total number of source records read",
		}),
		recordsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_skipped_total",
			Help:      "Source records that did not become jobs",
		}, []string{"reason"}),
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs submitted to the worker pool",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal status",
		}, []string{"status"}),
		oracleRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_retries_total",
			Help:      "Oracle attempts beyond the first one",
		}),
		mirrorRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_rows_total",
			Help:      "Rows copied to the output worksheet",
		}, []string{"result"}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_latency_seconds",
			Help:      "Job processing latency in seconds, including retry delays",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		}),
		oracleAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "oracle_attempts",
			Help:      "Oracle attempts per job",
			Buckets:   []float64{1, 2, 3, 4, 5, 10},
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs submitted but not yet finished",
		}),
		runDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of the last run",
		}),
	}

	reg.MustRegister(
		c.recordsLoaded,
		c.recordsSkipped,
		c.jobsSubmitted,
		c.jobsFinished,
		c.oracleRetries,
		c.mirrorRows,
		c.jobLatency,
		c.oracleAttempts,
		c.jobsInFlight,
		c.runDuration,
	)
	return c
}

// RecordLoaded 記錄讀入的來源列數
func (c *Collector) RecordLoaded(n int) {
	if c == nil {
		return
	}
	c.recordsLoaded.Add(float64(n))
}

// RecordSkipped 記錄未成為任務的列
func (c *Collector) RecordSkipped(reason string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.recordsSkipped.WithLabelValues(reason).Add(float64(n))
}

// RecordSubmitted 記錄任務送出
func (c *Collector) RecordSubmitted() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
	c.jobsInFlight.Inc()
}

// RecordOutcome 記錄任務結束
func (c *Collector) RecordOutcome(out types.Outcome, latency time.Duration) {
	if c == nil {
		return
	}
	c.jobsInFlight.Dec()
	c.jobsFinished.WithLabelValues(string(out.Status)).Inc()
	c.jobLatency.Observe(latency.Seconds())
	if out.Attempts > 0 {
		c.oracleAttempts.Observe(float64(out.Attempts))
		c.oracleRetries.Add(float64(out.Attempts - 1))
	}
}

// RecordMirror 記錄一列鏡像結果
func (c *Collector) RecordMirror(err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.mirrorRows.WithLabelValues("error").Inc()
		return
	}
	c.mirrorRows.WithLabelValues("ok").Inc()
}

// SetRunDuration 設置整次執行的耗時
func (c *Collector) SetRunDuration(d time.Duration) {
	if c == nil {
		return
	}
	c.runDuration.Set(d.Seconds())
}

// ============================================================================
// HTTP 端點
// ============================================================================

// Server 在執行期間暴露 /metrics
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger *slog.Logger
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
//
// 監聽失敗會直接回傳錯誤；之後的服務錯誤只記錄 log。
// gatherer 為 nil 時使用 prometheus.DefaultGatherer。
func StartServer(port int, gatherer prometheus.Gatherer, logger *slog.Logger) (*Server, error) {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	logger = logging.Component(logger, "metrics")

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen metrics port: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s := &Server{
		srv:    &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:     ln,
		logger: logger,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", slog.Any("error", err))
		}
	}()
	logger.Info("metrics endpoint listening", slog.String("addr", ln.Addr().String()))
	return s, nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
