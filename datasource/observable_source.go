package datasource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hatlonely/backo/logx"
	"github.com/hatlonely/backo/record"
)

// ObservableSource 观测装饰器，为任意 DataSource 补充 tracing、指标和耗时日志
type ObservableSource struct {
	source  DataSource
	name    string
	tracer  trace.Tracer
	metrics *observableMetrics
	log     logx.Logger
}

// observableMetrics 封装 prometheus 指标
type observableMetrics struct {
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *observableMetrics
)

// newObservableMetrics 指标按进程注册一次，name 作为标签而不是指标名前缀
func newObservableMetrics() *observableMetrics {
	metricsOnce.Do(func() {
		sharedMetrics = &observableMetrics{
			operationCounter: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "datasource_operations_total",
					Help: "Total number of data source operations",
				},
				[]string{"source", "operation", "status"},
			),
			operationDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "datasource_operation_duration_seconds",
					Help:    "Duration of data source operations in seconds",
					Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
				},
				[]string{"source", "operation"},
			),
		}
		prometheus.MustRegister(sharedMetrics.operationCounter, sharedMetrics.operationDuration)
	})
	return sharedMetrics
}

// NewObservableSource 包装一个已构造的数据源
func NewObservableSource(name string, source DataSource) *ObservableSource {
	return &ObservableSource{
		source:  source,
		name:    name,
		tracer:  otel.Tracer(fmt.Sprintf("datasource.%s", name)),
		metrics: newObservableMetrics(),
		log:     logx.Default().With("source", name),
	}
}

// observe 统一的操作观测逻辑
func (s *ObservableSource) observe(ctx context.Context, operation string, fn func(context.Context) error) error {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("datasource.%s", operation),
		trace.WithAttributes(
			attribute.String("source", s.name),
			attribute.String("operation", operation),
		),
	)
	defer span.End()

	err := fn(ctx)
	duration := time.Since(start)

	span.SetAttributes(attribute.Int64("duration_ms", duration.Milliseconds()))
	status := "success"
	if err != nil {
		status = "error"
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		s.log.WarnContext(ctx, "operation failed", "operation", operation, "duration", duration, "error", err)
	} else {
		span.SetStatus(codes.Ok, "")
		s.log.DebugContext(ctx, "operation finished", "operation", operation, "duration", duration)
	}
	s.metrics.operationCounter.WithLabelValues(s.name, operation, status).Inc()
	s.metrics.operationDuration.WithLabelValues(s.name, operation).Observe(duration.Seconds())
	return err
}

func (s *ObservableSource) ExecuteQuery(ctx context.Context, query string, params record.Record) ([]record.Record, error) {
	var records []record.Record
	err := s.observe(ctx, "query", func(ctx context.Context) error {
		var err error
		records, err = s.source.ExecuteQuery(ctx, query, params)
		return err
	})
	return records, err
}

func (s *ObservableSource) ExecuteQueryPaginated(ctx context.Context, query string, params record.Record, page *Pagination) ([]record.Record, error) {
	var records []record.Record
	err := s.observe(ctx, "query_paginated", func(ctx context.Context) error {
		var err error
		records, err = s.source.ExecuteQueryPaginated(ctx, query, params, page)
		return err
	})
	return records, err
}

func (s *ObservableSource) ExecuteMutation(ctx context.Context, query string, data record.Record) (any, error) {
	var result any
	err := s.observe(ctx, "mutation", func(ctx context.Context) error {
		var err error
		result, err = s.source.ExecuteMutation(ctx, query, data)
		return err
	})
	return result, err
}

func (s *ObservableSource) Close() error {
	return s.source.Close()
}
