package storage

import (
	"context"
	"sync"
	"time"

	"github.com/seiroga/trading/pkg/record"
)

type seriesKey struct {
	instrument  string
	granularity time.Duration
}

// Memory is a Storage held in process memory.
type Memory struct {
	mu         sync.RWMutex
	historical map[seriesKey]map[int64]stamped
	instant    map[string][]stamped
}

var _ Storage = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		historical: make(map[seriesKey]map[int64]stamped),
		instant:    make(map[string][]stamped),
	}
}

func inRange(ts time.Time, start, end *time.Time) bool {
	return !ts.Before(*start) && ts.Before(*end)
}

func records(items []stamped) []record.Record {
	if len(items) == 0 {
		return nil
	}
	out := make([]record.Record, len(items))
	for i, it := range items {
		out[i] = it.rec.Clone()
	}
	return out
}

func (m *Memory) GetData(ctx context.Context, instrument string, granularity time.Duration, start, end *time.Time) ([]record.Record, error) {
	if err := checkRange(start, end); err != nil {
		return nil, err
	}

	m.mu.RLock()
	var items []stamped
	for _, it := range m.historical[seriesKey{instrument, granularity}] {
		if inRange(it.ts, start, end) {
			items = append(items, it)
		}
	}
	m.mu.RUnlock()

	sortStamped(items)
	data := records(items)
	return data, adjust(data, granularity, start, end)
}

func (m *Memory) GetInstantData(ctx context.Context, instrument string, start, end *time.Time) ([]record.Record, error) {
	if err := checkRange(start, end); err != nil {
		return nil, err
	}

	m.mu.RLock()
	var items []stamped
	for _, it := range m.instant[instrument] {
		if inRange(it.ts, start, end) {
			items = append(items, it)
		}
	}
	m.mu.RUnlock()

	sortStamped(items)
	data := records(items)
	return data, adjust(data, 0, start, end)
}

func (m *Memory) SaveData(ctx context.Context, instrument string, granularity time.Duration, data []record.Record) error {
	items, err := stampAll(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := seriesKey{instrument, granularity}
	series, ok := m.historical[key]
	if !ok {
		series = make(map[int64]stamped)
		m.historical[key] = series
	}
	for _, it := range items {
		it.rec = it.rec.Clone()
		series[it.ts.UnixNano()] = it
	}
	return nil
}

func (m *Memory) SaveInstantData(ctx context.Context, instrument string, data []record.Record) error {
	items, err := stampAll(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, it := range items {
		it.rec = it.rec.Clone()
		m.instant[instrument] = append(m.instant[instrument], it)
	}
	return nil
}
