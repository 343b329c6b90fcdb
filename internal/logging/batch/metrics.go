package batch

import (
	"sync"
)

type Metrics struct {
	EventsQueued     int
	EventsDelivered  int
	BatchesDelivered int
	Retries          int
	TokenCorrections int
	ResourcesCreated int
	Escalations      int
	mu               sync.RWMutex
}

func (m *Metrics) IncEventsQueued() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EventsQueued++
}

func (m *Metrics) AddEventsDelivered(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EventsDelivered += n
	m.BatchesDelivered++
}

func (m *Metrics) IncRetries() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Retries++
}

func (m *Metrics) IncTokenCorrections() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TokenCorrections++
}

func (m *Metrics) IncResourcesCreated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ResourcesCreated++
}

func (m *Metrics) IncEscalations() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Escalations++
}

func (m *Metrics) GetMetricsStamp() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Metrics{
		EventsQueued:     m.EventsQueued,
		EventsDelivered:  m.EventsDelivered,
		BatchesDelivered: m.BatchesDelivered,
		Retries:          m.Retries,
		TokenCorrections: m.TokenCorrections,
		ResourcesCreated: m.ResourcesCreated,
		Escalations:      m.Escalations,
	}
}
