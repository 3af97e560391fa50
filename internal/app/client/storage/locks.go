package storage

import (
	"sync"
)

// EntityLocks — блокировки по идентификатору сущности. Гарантируют, что
// триплет (блоб, метаданные, запись очереди) одной сущности никогда не
// изменяется двумя писателями вперемешку.
type EntityLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewEntityLocks() *EntityLocks {
	return &EntityLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock захватывает блокировку сущности, создавая ее при первом обращении.
func (e *EntityLocks) Lock(entityID string) {
	e.mutexFor(entityID).Lock()
}

// Unlock освобождает блокировку сущности.
func (e *EntityLocks) Unlock(entityID string) {
	e.mutexFor(entityID).Unlock()
}

func (e *EntityLocks) mutexFor(entityID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.locks[entityID]
	if !ok {
		m = &sync.Mutex{}
		e.locks[entityID] = m
	}
	return m
}
