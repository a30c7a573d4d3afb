package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type Repository interface {
	Create(ctx context.Context, o Order) error
	Get(ctx context.Context, id string) (Order, error)
	Cancel(ctx context.Context, id string, at time.Time) (Order, error)
	Delete(ctx context.Context, id string) error
}

// MemoryRepository keeps orders in process memory.
type MemoryRepository struct {
	mu     sync.Mutex
	orders map[string]Order
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{orders: map[string]Order{}}
}

func (m *MemoryRepository) Create(ctx context.Context, o Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.orders[o.ID]; exists {
		return fmt.Errorf("orders: duplicate id %s", o.ID)
	}
	m.orders[o.ID] = cloneOrder(o)
	return nil
}

func (m *MemoryRepository) Get(ctx context.Context, id string) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (m *MemoryRepository) Cancel(ctx context.Context, id string, at time.Time) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	if o.Status == StatusCancelled {
		return Order{}, ErrAlreadyCancelled
	}
	at = at.UTC()
	o.Status = StatusCancelled
	o.CancelledAt = &at
	m.orders[id] = o
	return cloneOrder(o), nil
}

func (m *MemoryRepository) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[id]; !ok {
		return ErrNotFound
	}
	delete(m.orders, id)
	return nil
}

// List returns every order sorted by creation time.
func (m *MemoryRepository) List() []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func cloneOrder(o Order) Order {
	o.Items = append([]Item(nil), o.Items...)
	if o.CancelledAt != nil {
		at := *o.CancelledAt
		o.CancelledAt = &at
	}
	return o
}
