package channels

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/loopgate/loopgate/pkg/models"
)

// Metrics tracks per-adapter counters for monitoring. Counters are
// in-process only; a snapshot is exposed through Adapter.Metrics.
type Metrics struct {
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	messagesDropped  atomic.Uint64
	messagesFailed   atomic.Uint64

	errorsByCode map[ErrorCode]*atomic.Uint64
	errorsMu     sync.RWMutex

	reconnectAttempts atomic.Uint64

	channelType models.ChannelType
	startTime   time.Time
}

// NewMetrics creates a Metrics instance for a channel adapter.
func NewMetrics(channelType models.ChannelType) *Metrics {
	return &Metrics{
		errorsByCode: make(map[ErrorCode]*atomic.Uint64),
		channelType:  channelType,
		startTime:    time.Now(),
	}
}

// RecordMessageSent increments the sent message counter.
func (m *Metrics) RecordMessageSent() {
	m.messagesSent.Add(1)
}

// RecordMessageReceived increments the received message counter.
func (m *Metrics) RecordMessageReceived() {
	m.messagesReceived.Add(1)
}

// RecordMessageDropped increments the dropped message counter. Messages
// drop when the inbound buffer is full.
func (m *Metrics) RecordMessageDropped() {
	m.messagesDropped.Add(1)
}

// RecordMessageFailed increments the failed message counter.
func (m *Metrics) RecordMessageFailed() {
	m.messagesFailed.Add(1)
}

// RecordError increments the error counter for a specific error code.
func (m *Metrics) RecordError(code ErrorCode) {
	m.errorsMu.Lock()
	counter, exists := m.errorsByCode[code]
	if !exists {
		counter = &atomic.Uint64{}
		m.errorsByCode[code] = counter
	}
	m.errorsMu.Unlock()

	counter.Add(1)
}

// RecordReconnectAttempt increments the reconnect attempts counter.
func (m *Metrics) RecordReconnectAttempt() {
	m.reconnectAttempts.Add(1)
}

// MetricsSnapshot is a point-in-time copy of adapter counters.
type MetricsSnapshot struct {
	ChannelType       models.ChannelType    `json:"channel_type"`
	MessagesSent      uint64                `json:"messages_sent"`
	MessagesReceived  uint64                `json:"messages_received"`
	MessagesDropped   uint64                `json:"messages_dropped"`
	MessagesFailed    uint64                `json:"messages_failed"`
	ErrorsByCode      map[ErrorCode]uint64  `json:"errors_by_code,omitempty"`
	ReconnectAttempts uint64                `json:"reconnect_attempts"`
	Uptime            time.Duration         `json:"uptime"`
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ChannelType:       m.channelType,
		MessagesSent:      m.messagesSent.Load(),
		MessagesReceived:  m.messagesReceived.Load(),
		MessagesDropped:   m.messagesDropped.Load(),
		MessagesFailed:    m.messagesFailed.Load(),
		ReconnectAttempts: m.reconnectAttempts.Load(),
		Uptime:            time.Since(m.startTime),
	}

	m.errorsMu.RLock()
	if len(m.errorsByCode) > 0 {
		snap.ErrorsByCode = make(map[ErrorCode]uint64, len(m.errorsByCode))
		for code, counter := range m.errorsByCode {
			snap.ErrorsByCode[code] = counter.Load()
		}
	}
	m.errorsMu.RUnlock()

	return snap
}
