package sim

import (
	"sync"
	"sync/atomic"
	"time"

	"papertrader/internal/events"
)

// AlertSink receives out-of-band alert messages from the loop. The default
// sink keeps them in memory for inspection.
type AlertSink interface {
	Send(message string) error
}

// BusSink publishes alerts on the event bus.
type BusSink struct {
	Bus *events.Bus
}

func (s BusSink) Send(message string) error {
	s.Bus.PublishAlert(events.Alert{Message: message, At: time.Now().UnixMilli()})
	return nil
}

// Monitor tracks loop health: tick timestamps, counters, and a bounded ring
// of recent alerts.
type Monitor struct {
	ticksProcessed   uint64
	signalsGenerated uint64
	ordersMatched    uint64
	errorsCount      uint64

	mu         sync.Mutex
	lastTickAt time.Time
	running    bool
	stopReason string
	alerts     []string
	alertCap   int
	sink       AlertSink
}

// NewMonitor builds a monitor keeping up to alertCap recent alerts.
func NewMonitor(alertCap int, sink AlertSink) *Monitor {
	if alertCap <= 0 {
		alertCap = 100
	}
	return &Monitor{alertCap: alertCap, sink: sink}
}

// RecordTick marks the start of one loop iteration.
func (m *Monitor) RecordTick() {
	atomic.AddUint64(&m.ticksProcessed, 1)
	m.mu.Lock()
	m.lastTickAt = time.Now()
	m.mu.Unlock()
}

// RecordSignal counts one executed strategy signal.
func (m *Monitor) RecordSignal() {
	atomic.AddUint64(&m.signalsGenerated, 1)
}

// RecordMatches counts orders matched by the queue sweeps.
func (m *Monitor) RecordMatches(n int) {
	if n > 0 {
		atomic.AddUint64(&m.ordersMatched, uint64(n))
	}
}

// Alert records an alert message and counts it as an error.
func (m *Monitor) Alert(message string) {
	atomic.AddUint64(&m.errorsCount, 1)

	m.mu.Lock()
	m.alerts = append(m.alerts, message)
	if len(m.alerts) > m.alertCap {
		m.alerts = m.alerts[len(m.alerts)-m.alertCap:]
	}
	sink := m.sink
	m.mu.Unlock()

	if sink != nil {
		// Sink failures are not worth a second alert.
		_ = sink.Send(message)
	}
}

// SetRunning flips the running flag; reason is recorded on stop.
func (m *Monitor) SetRunning(running bool, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = running
	if !running {
		m.stopReason = reason
	}
}

// Stats is a point-in-time copy of the monitor state.
type Stats struct {
	Running          bool
	StopReason       string
	LastTickAt       time.Time
	TicksProcessed   uint64
	SignalsGenerated uint64
	OrdersMatched    uint64
	ErrorsCount      uint64
	RecentAlerts     []string
}

// Snapshot returns the current stats.
func (m *Monitor) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	alerts := make([]string, len(m.alerts))
	copy(alerts, m.alerts)
	return Stats{
		Running:          m.running,
		StopReason:       m.stopReason,
		LastTickAt:       m.lastTickAt,
		TicksProcessed:   atomic.LoadUint64(&m.ticksProcessed),
		SignalsGenerated: atomic.LoadUint64(&m.signalsGenerated),
		OrdersMatched:    atomic.LoadUint64(&m.ordersMatched),
		ErrorsCount:      atomic.LoadUint64(&m.errorsCount),
		RecentAlerts:     alerts,
	}
}
