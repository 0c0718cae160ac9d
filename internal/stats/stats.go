package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"sync"
	"time"
)

// Metric names registered by the chat server.
const (
	MetricActiveConnections = "ActiveConnections"
	MetricActiveRooms       = "ActiveRooms"
	MetricMessagesBroadcast = "MessagesBroadcast"
	MetricDeliveriesDropped = "DeliveriesDropped"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	Run()
}

// StatsUpdater publishes counters over expvar. The counter handle is
// resolved when the update is queued, and the buffered channel keeps
// hot paths from blocking on the metrics map.
type StatsUpdater struct {
	vars       *expvar.Map
	mu         sync.RWMutex
	counters   map[string]*expvar.Int
	updateChan chan counterUpdate
}

type counterUpdate struct {
	counter *expvar.Int
	delta   int64
}

func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		counters:   make(map[string]*expvar.Int),
		updateChan: make(chan counterUpdate, 512),
	}
	mux.Handle("GET /debug/vars", http.HandlerFunc(su.expvarHandler))
	su.vars = expvar.NewMap("chatserver-stats")

	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))

	return su
}

func (su *StatsUpdater) expvarHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	expvarData := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		json.Unmarshal([]byte(kv.Value.String()), &value)
		expvarData[kv.Key] = value
	})

	json.NewEncoder(w).Encode(expvarData)
}

func (su *StatsUpdater) RegisterMetric(name string) {
	su.mu.Lock()
	defer su.mu.Unlock()

	if _, ok := su.counters[name]; ok {
		return
	}

	counter := new(expvar.Int)
	su.counters[name] = counter
	su.vars.Set(name, counter)
}

func (su *StatsUpdater) Incr(name string) {
	su.enqueue(name, 1)
}

func (su *StatsUpdater) Decr(name string) {
	su.enqueue(name, -1)
}

// enqueue resolves the counter before the update enters the channel; an
// unregistered name registers itself on first use.
func (su *StatsUpdater) enqueue(name string, delta int64) {
	su.mu.RLock()
	counter, ok := su.counters[name]
	su.mu.RUnlock()

	if !ok {
		su.RegisterMetric(name)
		su.mu.RLock()
		counter = su.counters[name]
		su.mu.RUnlock()
	}

	su.updateChan <- counterUpdate{counter: counter, delta: delta}
}

func (su *StatsUpdater) Run() {
	go func() {
		for u := range su.updateChan {
			u.counter.Add(u.delta)
		}
	}()
}

func (su *StatsUpdater) Stop() {
	close(su.updateChan)
}
