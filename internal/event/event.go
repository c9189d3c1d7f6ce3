package event

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Event 描述账本发出的一条审计事件。
type Event struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	AgentID    uint64            `json:"agent_id,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Timestamp  int64             `json:"timestamp"`
}

// New 构造一条带有随机标识的事件。
func New(name string, agentID uint64, timestamp int64, attrs map[string]string) Event {
	return Event{
		ID:         uuid.NewString(),
		Name:       name,
		AgentID:    agentID,
		Attributes: attrs,
		Timestamp:  timestamp,
	}
}

// Bus 抽象事件的发布通道。账本状态是权威数据，
// 发布失败不会回滚已提交的变更。
type Bus interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// MemoryBus 在内存中缓存事件，主要用于测试与开发环境。
type MemoryBus struct {
	mu     sync.RWMutex
	events []Event
	limit  int
}

// NewMemoryBus 创建 MemoryBus。limit 小于等于零时使用默认缓存上限。
func NewMemoryBus(limit int) *MemoryBus {
	if limit <= 0 {
		limit = 1024
	}
	return &MemoryBus{limit: limit}
}

// Publish 实现 Bus 接口。
func (m *MemoryBus) Publish(_ context.Context, evt Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	if len(m.events) > m.limit {
		m.events = m.events[len(m.events)-m.limit:]
	}
	return nil
}

// Events 返回已发布事件的副本。
func (m *MemoryBus) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// ByName 返回指定名称的事件副本。
func (m *MemoryBus) ByName(name string) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, evt := range m.events {
		if evt.Name == name {
			out = append(out, evt)
		}
	}
	return out
}

// Close 对内存总线无需操作。
func (m *MemoryBus) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Bus = (*MemoryBus)(nil)
