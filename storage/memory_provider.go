package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryProvider is a map-backed Provider used in tests and as the target of
// the ephemeral fallback when the real backend fails.
type MemoryProvider struct {
	mu      sync.RWMutex
	objects map[string]*Object
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{objects: make(map[string]*Object)}
}

func (p *MemoryProvider) Name() string { return "memory" }

func (p *MemoryProvider) key(collection, id string) string {
	return collection + "/" + id
}

func (p *MemoryProvider) Save(ctx context.Context, collection, id string, data []byte) (*ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stored := make([]byte, len(data))
	copy(stored, data)

	info := ObjectInfo{
		ID:       id,
		Path:     fmt.Sprintf("memory://%s/%s", collection, id),
		Size:     int64(len(stored)),
		Checksum: checksum(stored),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.objects[p.key(collection, id)] = &Object{Data: stored, Info: info, SavedAt: time.Now()}
	return &info, nil
}

func (p *MemoryProvider) Load(ctx context.Context, collection, id string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	obj, ok := p.objects[p.key(collection, id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, collection, id)
	}
	out := *obj
	out.Data = make([]byte, len(obj.Data))
	copy(out.Data, obj.Data)
	return &out, nil
}

// Len reports how many objects are stored.
func (p *MemoryProvider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.objects)
}
