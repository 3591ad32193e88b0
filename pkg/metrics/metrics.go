// Package metrics exposes the director's Prometheus instrumentation: task
// throughput by kind and terminal state, compile cache hit rate, instance
// update duration, and lock wait time. Collectors are package globals
// registered once in init and scraped through Handler().
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksTotal counts tasks reaching a terminal state, by kind and state.
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "director_tasks_total",
			Help: "Total number of tasks completed, by kind and terminal state",
		},
		[]string{"kind", "state"},
	)

	// TaskDuration records wall-clock time from pickup to completion.
	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "director_task_duration_seconds",
			Help:    "Task processing duration in seconds, by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// CompileCacheHits/Misses track the package compiler's cache hit rate.
	CompileCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "director_compile_cache_hits_total",
			Help: "Total number of compile requests served from the compiled-package cache",
		},
	)

	CompileCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "director_compile_cache_misses_total",
			Help: "Total number of compile requests that required an agent compile",
		},
	)

	CompileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "director_compile_duration_seconds",
			Help:    "Time taken by a single package compile on an agent",
			Buckets: prometheus.DefBuckets,
		},
	)

	// InstanceUpdateDuration records one instance transition's wall time, by
	// the change kind applied (restart, recreate, new).
	InstanceUpdateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "director_instance_update_duration_seconds",
			Help:    "Instance update duration in seconds, by change kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"change"},
	)

	// LockWaitDuration records time spent blocked in Acquire before a lock
	// was granted or the attempt failed with lock_busy.
	LockWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "director_lock_wait_seconds",
			Help:    "Time spent waiting to acquire a named lock",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"lock"},
	)
)

func init() {
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(CompileCacheHits)
	prometheus.MustRegister(CompileCacheMisses)
	prometheus.MustRegister(CompileDuration)
	prometheus.MustRegister(InstanceUpdateDuration)
	prometheus.MustRegister(LockWaitDuration)
}

// Handler serves the registered metrics for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
