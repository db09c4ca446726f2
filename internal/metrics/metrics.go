// Package metrics holds the prometheus collectors for the cache controller and
// the change poller. All recording methods are nil-safe.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "anycache"

// Tier 标签取值。
const (
	TierMemory  = "memory"
	TierSession = "session"
	TierDisk    = "disk"
	TierMiss    = "miss"
)

// Metrics 汇总服务暴露的全部指标。
type Metrics struct {
	lookups        *prometheus.CounterVec
	fetchesStarted prometheus.Counter
	fetchesJoined  prometheus.Counter
	fetchOutcomes  *prometheus.CounterVec
	inflight       prometheus.Gauge
	permanent      *prometheus.CounterVec
	groupsRemoved  prometheus.Counter
	itemsDeleted   prometheus.Counter
	pollAttempts   prometheus.Counter
	pollOutcomes   *prometheus.CounterVec
}

// New 创建并注册指标；reg 为 nil 时只创建不注册，便于测试。
// 重复注册时复用已有 collector。
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "lookups_total",
			Help:      "Cache lookups by the tier that answered",
		}, []string{"tier"}),
		fetchesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "fetches_started_total",
			Help:      "Transport tasks started for fetches",
		}),
		fetchesJoined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "fetches_coalesced_total",
			Help:      "Fetch requests attached to an already running task",
		}),
		fetchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "fetch_outcomes_total",
			Help:      "Terminal fetch outcomes",
		}, []string{"outcome"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "inflight_tasks",
			Help:      "Transport tasks currently running",
		}),
		permanent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "permanent_cache_total",
			Help:      "Permanent cache requests by result",
		}, []string{"result"}),
		groupsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "groups_removed_total",
			Help:      "Cache groups removed",
		}),
		itemsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "items_deleted_total",
			Help:      "Cache items deleted after losing their last group",
		}),
		pollAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "attempts_total",
			Help:      "Conditional HEAD requests issued",
		}),
		pollOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "outcomes_total",
			Help:      "Terminal poll outcomes",
		}, []string{"outcome"}),
	}

	if reg != nil {
		m.lookups = registerOrReuse(reg, m.lookups).(*prometheus.CounterVec)
		m.fetchesStarted = registerOrReuse(reg, m.fetchesStarted).(prometheus.Counter)
		m.fetchesJoined = registerOrReuse(reg, m.fetchesJoined).(prometheus.Counter)
		m.fetchOutcomes = registerOrReuse(reg, m.fetchOutcomes).(*prometheus.CounterVec)
		m.inflight = registerOrReuse(reg, m.inflight).(prometheus.Gauge)
		m.permanent = registerOrReuse(reg, m.permanent).(*prometheus.CounterVec)
		m.groupsRemoved = registerOrReuse(reg, m.groupsRemoved).(prometheus.Counter)
		m.itemsDeleted = registerOrReuse(reg, m.itemsDeleted).(prometheus.Counter)
		m.pollAttempts = registerOrReuse(reg, m.pollAttempts).(prometheus.Counter)
		m.pollOutcomes = registerOrReuse(reg, m.pollOutcomes).(*prometheus.CounterVec)
	}
	return m
}

func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

// RecordLookup 记录一次查找命中的层级。
func (m *Metrics) RecordLookup(tier string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(tier).Inc()
}

// FetchStarted 记录新任务启动。
func (m *Metrics) FetchStarted() {
	if m == nil {
		return
	}
	m.fetchesStarted.Inc()
	m.inflight.Inc()
}

// FetchJoined 记录合并到已有任务的请求。
func (m *Metrics) FetchJoined() {
	if m == nil {
		return
	}
	m.fetchesJoined.Inc()
}

// FetchFinished 记录任务终态，outcome 为 success/failure/cancelled。
func (m *Metrics) FetchFinished(outcome string) {
	if m == nil {
		return
	}
	m.inflight.Dec()
	m.fetchOutcomes.WithLabelValues(outcome).Inc()
}

// RecordPermanent 记录永久缓存结果：stored/linked/existed/failed。
func (m *Metrics) RecordPermanent(result string) {
	if m == nil {
		return
	}
	m.permanent.WithLabelValues(result).Inc()
}

// GroupRemoved 记录删除分组及随之删除的条目数。
func (m *Metrics) GroupRemoved(deletedItems int) {
	if m == nil {
		return
	}
	m.groupsRemoved.Inc()
	m.itemsDeleted.Add(float64(deletedItems))
}

// PollAttempt 记录一次条件请求。
func (m *Metrics) PollAttempt() {
	if m == nil {
		return
	}
	m.pollAttempts.Inc()
}

// PollFinished 记录轮询终态。
func (m *Metrics) PollFinished(outcome string) {
	if m == nil {
		return
	}
	m.pollOutcomes.WithLabelValues(outcome).Inc()
}
