package registry

import (
	"context"
	"errors"
	"sort"
	"sync"

	"edc-detector/internal/models"
)

// fakeStore 仅用于单元测试（内存物品表）
type fakeStore struct {
	mu      sync.Mutex
	rows    map[string]models.Item
	failAll bool
	saveErr error // 仅 SaveItem 返回
	saves   int
}

var errStoreDown = errors.New("store down")

func newFakeStore(items ...models.Item) *fakeStore {
	f := &fakeStore{rows: make(map[string]models.Item)}
	for _, it := range items {
		f.rows[it.ID] = it
	}
	return f
}

func (f *fakeStore) ListItems(ctx context.Context) ([]models.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errStoreDown
	}
	out := make([]models.Item, 0, len(f.rows))
	for _, it := range f.rows {
		out = append(out, it.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (f *fakeStore) InsertItem(ctx context.Context, item models.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errStoreDown
	}
	f.rows[item.ID] = item.Clone()
	return nil
}

func (f *fakeStore) SaveItem(ctx context.Context, item models.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errStoreDown
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saves++
	f.rows[item.ID] = item.Clone()
	return nil
}

func (f *fakeStore) DeleteItem(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errStoreDown
	}
	delete(f.rows, id)
	return nil
}

func (f *fakeStore) row(id string) (models.Item, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.rows[id]
	return it, ok
}
