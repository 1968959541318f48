package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"edc-detector/internal/metrics"
	"edc-detector/internal/models"

	"go.uber.org/zap"
)

// Store 注册表持久化接口（由 repository.ItemRepository 实现）
type Store interface {
	ListItems(ctx context.Context) ([]models.Item, error)
	InsertItem(ctx context.Context, item models.Item) error
	SaveItem(ctx context.Context, item models.Item) error
	DeleteItem(ctx context.Context, id string) error
}

// Registration 注册参数；Required 为空时默认 true
type Registration struct {
	ID          string
	Name        string
	Description string
	Required    *bool
}

// ItemUpdate 编辑参数，nil 字段保持不变
type ItemUpdate struct {
	ID          *string // 更换标签：新标识符，观测状态重新计时
	Name        *string
	Description *string
	Required    *bool
}

// SightingResult ApplySighting 的结果
type SightingResult struct {
	Item     models.Item
	Advanced bool // false 表示重复或迟到的观测，未改变时钟
}

// Registry 物品注册表：在位状态的唯一可写来源
// 所有写操作经同一把锁串行化（含写穿持久化），读操作返回快照
type Registry struct {
	mu      sync.RWMutex
	items   map[string]*models.Item
	order   []string
	nextPos int64

	store   Store
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
	onFatal func(error)
}

// NewRegistry 创建注册表
func NewRegistry(store Store, m *metrics.Metrics, logger *zap.Logger) *Registry {
	return &Registry{
		items:   make(map[string]*models.Item),
		store:   store,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		onFatal: func(error) {},
	}
}

// SetFatalHandler 设置致命错误回调（持久化失败时调用）
func (r *Registry) SetFatalHandler(fn func(error)) {
	if fn != nil {
		r.onFatal = fn
	}
}

// SetClock 替换时钟（测试用）
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Load 从存储加载注册表，加载时规范化标识符
func (r *Registry) Load(ctx context.Context) error {
	items, err := r.store.ListItems(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrRegistryPersistence, err)
	}

	loaded := make(map[string]*models.Item, len(items))
	order := make([]string, 0, len(items))
	var maxPos int64
	for _, it := range items {
		item := it.Clone()
		raw := item.ID
		item.ID = models.NormalizeID(raw)
		if item.ID == "" {
			return fmt.Errorf("%w: empty identifier at position %d", models.ErrRegistryCorrupt, item.Position)
		}
		if _, exists := loaded[item.ID]; exists {
			return fmt.Errorf("%w: identifier %q collides after normalization", models.ErrRegistryCorrupt, raw)
		}
		if !item.PresenceState.Valid() {
			return fmt.Errorf("%w: item %s has state %q", models.ErrRegistryCorrupt, item.ID, item.PresenceState)
		}
		if item.PresenceState == models.PresenceMissing && !item.Required {
			item.PresenceState = models.PresenceUnknown
		}
		if raw != item.ID {
			// 旧数据以原样大小写写入，删除后按规范化标识符重写
			if err := r.store.DeleteItem(ctx, raw); err != nil {
				return fmt.Errorf("%w: %v", models.ErrRegistryPersistence, err)
			}
			if err := r.store.InsertItem(ctx, item); err != nil {
				return fmt.Errorf("%w: %v", models.ErrRegistryPersistence, err)
			}
		}
		if item.Position > maxPos {
			maxPos = item.Position
		}
		loaded[item.ID] = &item
		order = append(order, item.ID)
	}

	r.mu.Lock()
	r.items = loaded
	r.order = order
	r.nextPos = maxPos + 1
	r.mu.Unlock()

	r.updateGauge(len(order))
	r.logger.Info("Registry loaded", zap.Int("item_count", len(order)))
	return nil
}

// Register 注册新物品，标识符冲突（大小写不敏感）返回 ErrDuplicateIdentifier
func (r *Registry) Register(ctx context.Context, reg Registration) (string, error) {
	id := models.NormalizeID(reg.ID)
	if id == "" {
		return "", fmt.Errorf("%w: identifier is required", models.ErrInvalidItem)
	}
	name := strings.TrimSpace(reg.Name)
	if name == "" {
		name = id
	}
	required := true
	if reg.Required != nil {
		required = *reg.Required
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[id]; exists {
		return "", fmt.Errorf("%w: %s", models.ErrDuplicateIdentifier, id)
	}

	item := models.Item{
		ID:            id,
		Name:          name,
		Description:   strings.TrimSpace(reg.Description),
		Required:      required,
		PresenceState: models.PresenceUnknown,
		RegisteredAt:  r.now().UTC(),
		Position:      r.nextPos,
	}
	if err := r.store.InsertItem(ctx, item); err != nil {
		return "", r.persistenceFailure(err)
	}

	r.items[id] = &item
	r.order = append(r.order, id)
	r.nextPos++
	r.updateGauge(len(r.order))

	r.logger.Info("Item registered",
		zap.String("item_id", id),
		zap.String("name", name),
		zap.Bool("required", required),
	)
	return id, nil
}

// Get 获取物品快照
func (r *Registry) Get(id string) (models.Item, error) {
	id = models.NormalizeID(id)

	r.mu.RLock()
	defer r.mu.RUnlock()

	item, ok := r.items[id]
	if !ok {
		return models.Item{}, fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	return item.Clone(), nil
}

// ListAll 按注册顺序返回全部物品快照
func (r *Registry) ListAll() []models.Item {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Item, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.items[id].Clone())
	}
	return out
}

// ListMissing 返回当前处于 Missing 状态的物品（注册顺序）
func (r *Registry) ListMissing() []models.Item {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.Item
	for _, id := range r.order {
		if item := r.items[id]; item.PresenceState == models.PresenceMissing {
			out = append(out, item.Clone())
		}
	}
	return out
}

// Count 物品数量
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// ApplySighting 记录一次观测：lastSeenAt = max(current, observedAt)
// 迟到或重复的观测不会让时钟倒退；不修改 presenceState
func (r *Registry) ApplySighting(ctx context.Context, id string, observedAt time.Time, location *string, rssi *int) (SightingResult, error) {
	id = models.NormalizeID(id)

	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return SightingResult{}, fmt.Errorf("%w: %s", models.ErrUnknownItem, id)
	}

	if item.LastSeenAt != nil && !observedAt.After(*item.LastSeenAt) {
		return SightingResult{Item: item.Clone(), Advanced: false}, nil
	}

	next := item.Clone()
	seen := observedAt.UTC()
	next.LastSeenAt = &seen
	next.LastLocation = copyString(location)
	next.LastRSSI = copyInt(rssi)

	// 内存状态为准；写穿不受调用方取消影响
	if err := r.store.SaveItem(context.WithoutCancel(ctx), next); err != nil {
		r.writeThroughFailed(item.ID, err)
	}
	*item = next

	return SightingResult{Item: next.Clone(), Advanced: true}, nil
}

// SetPresenceState 设置在位状态，返回之前的状态
func (r *Registry) SetPresenceState(ctx context.Context, id string, state models.PresenceState) (models.PresenceState, error) {
	id = models.NormalizeID(id)

	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	return r.setStateLocked(ctx, item, state)
}

// CompareAndSetPresence 仅当物品的 lastSeenAt 仍等于 basis 时设置状态
// 评估快照之后到达的观测会使本次设置失效（swapped=false），由下一轮评估重新计算
func (r *Registry) CompareAndSetPresence(ctx context.Context, id string, basis *time.Time, state models.PresenceState) (prev models.PresenceState, item models.Item, swapped bool, err error) {
	id = models.NormalizeID(id)

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[id]
	if !ok {
		return "", models.Item{}, false, fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	if !sameTime(current.LastSeenAt, basis) || !current.Required {
		return current.PresenceState, current.Clone(), false, nil
	}

	prev, err = r.setStateLocked(ctx, current, state)
	if err != nil {
		return prev, current.Clone(), false, err
	}
	return prev, current.Clone(), true, nil
}

// Update 编辑物品；取消必需标记时若处于 Missing 则重置为 Unknown
func (r *Registry) Update(ctx context.Context, id string, upd ItemUpdate) (models.Item, error) {
	id = models.NormalizeID(id)

	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return models.Item{}, fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}

	next := item.Clone()
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return models.Item{}, fmt.Errorf("%w: name must not be empty", models.ErrInvalidItem)
		}
		next.Name = name
	}
	if upd.Description != nil {
		next.Description = strings.TrimSpace(*upd.Description)
	}
	if upd.Required != nil {
		next.Required = *upd.Required
		if !next.Required && next.PresenceState == models.PresenceMissing {
			next.PresenceState = models.PresenceUnknown
		}
	}

	if upd.ID != nil {
		newID := models.NormalizeID(*upd.ID)
		if newID == "" {
			return models.Item{}, fmt.Errorf("%w: identifier is required", models.ErrInvalidItem)
		}
		if newID != id {
			return r.rekeyLocked(ctx, id, newID, next)
		}
	}

	if err := r.store.SaveItem(ctx, next); err != nil {
		return models.Item{}, r.persistenceFailure(err)
	}
	*item = next
	return next.Clone(), nil
}

// rekeyLocked 更换物品标识符，保留注册顺序；旧标签的观测不再适用
func (r *Registry) rekeyLocked(ctx context.Context, oldID, newID string, next models.Item) (models.Item, error) {
	if _, exists := r.items[newID]; exists {
		return models.Item{}, fmt.Errorf("%w: %s", models.ErrDuplicateIdentifier, newID)
	}

	next.ID = newID
	next.LastSeenAt = nil
	next.LastLocation = nil
	next.LastRSSI = nil
	next.PresenceState = models.PresenceUnknown
	next.RegisteredAt = r.now().UTC()

	// 1. 先写新行，失败则不做任何变更
	if err := r.store.InsertItem(ctx, next); err != nil {
		return models.Item{}, r.persistenceFailure(err)
	}
	// 2. 删除旧行，失败则回滚新行
	if err := r.store.DeleteItem(ctx, oldID); err != nil {
		if rbErr := r.store.DeleteItem(context.WithoutCancel(ctx), newID); rbErr != nil {
			r.logger.Error("Failed to roll back re-keyed item",
				zap.String("item_id", newID),
				zap.Error(rbErr),
			)
		}
		return models.Item{}, r.persistenceFailure(err)
	}

	stored := next
	delete(r.items, oldID)
	r.items[newID] = &stored
	for i, oid := range r.order {
		if oid == oldID {
			r.order[i] = newID
			break
		}
	}

	r.logger.Info("Item identifier changed",
		zap.String("previous_item_id", oldID),
		zap.String("item_id", newID),
	)
	return next.Clone(), nil
}

// Remove 删除物品（仅用户显式操作）
func (r *Registry) Remove(ctx context.Context, id string) error {
	id = models.NormalizeID(id)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[id]; !ok {
		return fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	if err := r.store.DeleteItem(ctx, id); err != nil {
		return r.persistenceFailure(err)
	}

	delete(r.items, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.updateGauge(len(r.order))

	r.logger.Info("Item removed", zap.String("item_id", id))
	return nil
}

func (r *Registry) setStateLocked(ctx context.Context, item *models.Item, state models.PresenceState) (models.PresenceState, error) {
	if !state.Valid() {
		return item.PresenceState, fmt.Errorf("%w: %q", models.ErrInvalidState, state)
	}
	if state == models.PresenceMissing && !item.Required {
		return item.PresenceState, fmt.Errorf("%w: item %s is not required", models.ErrInvalidState, item.ID)
	}

	prev := item.PresenceState
	if prev == state {
		return prev, nil
	}

	next := item.Clone()
	next.PresenceState = state
	if err := r.store.SaveItem(context.WithoutCancel(ctx), next); err != nil {
		r.writeThroughFailed(item.ID, err)
	}
	*item = next
	return prev, nil
}

// writeThroughFailed 存储故障交由致命通道；取消或超时只告警，下一次写入会覆盖该行
func (r *Registry) writeThroughFailed(id string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		r.logger.Warn("Registry write interrupted",
			zap.String("item_id", id),
			zap.Error(err),
		)
		return
	}
	r.onFatal(r.persistenceFailure(err))
}

func (r *Registry) persistenceFailure(err error) error {
	wrapped := fmt.Errorf("%w: %v", models.ErrRegistryPersistence, err)
	r.logger.Error("Registry persistence failed", zap.Error(err))
	return wrapped
}

func (r *Registry) updateGauge(n int) {
	if r.metrics != nil {
		r.metrics.TrackedItems.Set(float64(n))
	}
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}
