package coldstore

import (
	"context"
	"sync"

	"papyrus/api/internal/apperr"
)

// Memory is an in-process ObjectStore for tests.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte

	// FailPut makes the next Put return an error, for exercising the
	// archive failure path.
	FailPut error
}

func NewMemory() *Memory {
	return &Memory{objects: map[string][]byte{}}
}

func (m *Memory) Put(_ context.Context, key string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPut != nil {
		err := m.FailPut
		m.FailPut = nil
		return err
	}
	buf := make([]byte, len(body))
	copy(buf, body)
	m.objects[key] = buf
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.objects[key]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "archived pack "+key)
	}
	buf := make([]byte, len(body))
	copy(buf, body)
	return buf, nil
}

// Keys returns the stored object keys, for assertions.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}
