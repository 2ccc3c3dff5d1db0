// Package metrics 汇总节点的运行指标，通过 /metrics 以 prometheus 格式暴露
package metrics

import (
	"net/http"
	"time"

	gometrics "github.com/hashicorp/go-metrics"
	promsink "github.com/hashicorp/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"asmredis/lib/logger"
)

const namespace = "asmredis"

var (
	// AsmTasks 按方向和结果统计迁移任务数
	AsmTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asm_tasks_total",
			Help:      "Total number of slot migration task events",
		},
		[]string{"operation", "event"}, // operation: import/migrate, event: started/failed/completed
	)

	// SyncBufferBytes 导入端累积缓冲区大小
	SyncBufferBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "asm_sync_buffer_bytes",
			Help:      "Bytes held in the import accumulation buffer",
		},
	)

	// TrimJobs 清理任务
	TrimJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trim_jobs_total",
			Help:      "Total number of trim jobs",
		},
		[]string{"method", "event"},
	)

	// TrimmedKeys 被清理的 key 数
	TrimmedKeys = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trimmed_keys_total",
			Help:      "Total number of keys deleted by trim",
		},
	)
)

var sink *promsink.PrometheusSink

// Setup 初始化全局 go-metrics，以 prometheus sink 输出，raft 的指标也会汇总到这里
func Setup(serviceName string) error {
	if sink != nil {
		return nil
	}
	s, err := promsink.NewPrometheusSink()
	if err != nil {
		return err
	}
	cfg := gometrics.DefaultConfig(serviceName)
	cfg.EnableHostname = false
	cfg.EnableRuntimeMetrics = false
	if _, err := gometrics.NewGlobal(cfg, s); err != nil {
		return err
	}
	sink = s
	return nil
}

// Serve 在 addr 上提供 /metrics，addr 为空时不启动
func Serve(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		logger.Infof("metrics listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Errorf("metrics server stopped: %v", err)
		}
	}()
}

// MeasureCommand 记录命令耗时
func MeasureCommand(name string, start time.Time) {
	gometrics.MeasureSince([]string{"cmd", name}, start)
}

// TaskEvent 记录一次迁移任务事件
func TaskEvent(operation, event string) {
	AsmTasks.WithLabelValues(operation, event).Inc()
	gometrics.IncrCounter([]string{"asm", operation, event}, 1)
}

// TrimEvent 记录一次清理任务事件
func TrimEvent(method, event string) {
	TrimJobs.WithLabelValues(method, event).Inc()
}
