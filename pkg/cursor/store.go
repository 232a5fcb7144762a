// Package cursor хранит позицию курсора локального пула линий между перезапусками.
package cursor

import (
	"context"
	"sync"
)

// Store хранилище курсора пула
type Store interface {
	// Load возвращает сохранённое значение; ok=false, если значения ещё нет
	Load(ctx context.Context) (value int, ok bool, err error)
	// Save сохраняет значение
	Save(ctx context.Context, value int) error
}

// MemoryStore хранит курсор в памяти процесса
type MemoryStore struct {
	mu    sync.Mutex
	value int
	set   bool
}

// NewMemoryStore создаёт пустое хранилище в памяти
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load реализует Store
func (m *MemoryStore) Load(ctx context.Context) (int, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value, m.set, nil
}

// Save реализует Store
func (m *MemoryStore) Save(ctx context.Context, value int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = value
	m.set = true
	return nil
}
