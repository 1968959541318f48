package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"edc-detector/internal/models"

	"go.uber.org/zap"
)

// ItemRepository 物品表仓库（注册表的持久化层）
type ItemRepository struct {
	db     *sql.DB
	driver string
	logger *zap.Logger
}

// NewItemRepository 创建物品仓库
func NewItemRepository(db *sql.DB, driver string, logger *zap.Logger) *ItemRepository {
	return &ItemRepository{
		db:     db,
		driver: driver,
		logger: logger,
	}
}

// ListItems 按注册顺序读取全部物品（标识符保持库内原样，由注册表负责规范化）
func (r *ItemRepository) ListItems(ctx context.Context) ([]models.Item, error) {
	query := `
		SELECT id, name, description, required, last_seen_at, last_location,
		       last_rssi, presence_state, registered_at, position
		FROM items
		ORDER BY position ASC
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []models.Item
	for rows.Next() {
		var (
			item         models.Item
			lastSeen     sql.NullInt64
			lastLocation sql.NullString
			lastRSSI     sql.NullInt64
			state        string
			registeredAt int64
		)
		if err := rows.Scan(
			&item.ID, &item.Name, &item.Description, &item.Required,
			&lastSeen, &lastLocation, &lastRSSI, &state, &registeredAt, &item.Position,
		); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}

		if lastSeen.Valid {
			t := time.Unix(0, lastSeen.Int64).UTC()
			item.LastSeenAt = &t
		}
		if lastLocation.Valid {
			l := lastLocation.String
			item.LastLocation = &l
		}
		if lastRSSI.Valid {
			v := int(lastRSSI.Int64)
			item.LastRSSI = &v
		}
		item.PresenceState = models.PresenceState(state)
		item.RegisteredAt = time.Unix(0, registeredAt).UTC()

		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate items: %w", err)
	}
	return items, nil
}

// InsertItem 新增物品
func (r *ItemRepository) InsertItem(ctx context.Context, item models.Item) error {
	query := rebind(r.driver, `
		INSERT INTO items (id, name, description, required, last_seen_at, last_location,
		                   last_rssi, presence_state, registered_at, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := r.db.ExecContext(ctx, query, itemArgs(item)...)
	if err != nil {
		return fmt.Errorf("failed to insert item %s: %w", item.ID, err)
	}
	return nil
}

// SaveItem 覆盖写入物品的可变字段
func (r *ItemRepository) SaveItem(ctx context.Context, item models.Item) error {
	query := rebind(r.driver, `
		UPDATE items
		SET name = ?, description = ?, required = ?, last_seen_at = ?, last_location = ?,
		    last_rssi = ?, presence_state = ?
		WHERE id = ?
	`)
	args := append([]interface{}{}, itemArgs(item)[1:8]...)
	args = append(args, item.ID)
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update item %s: %w", item.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("item %s: %w", item.ID, models.ErrNotFound)
	}
	return nil
}

// DeleteItem 删除物品（仅由用户显式操作触发）
func (r *ItemRepository) DeleteItem(ctx context.Context, id string) error {
	query := rebind(r.driver, `DELETE FROM items WHERE id = ?`)
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete item %s: %w", id, err)
	}
	return nil
}

// itemArgs 按 INSERT 列顺序展开参数
func itemArgs(item models.Item) []interface{} {
	var lastSeen, lastLocation, lastRSSI interface{}
	if item.LastSeenAt != nil {
		lastSeen = item.LastSeenAt.UnixNano()
	}
	if item.LastLocation != nil {
		lastLocation = *item.LastLocation
	}
	if item.LastRSSI != nil {
		lastRSSI = int64(*item.LastRSSI)
	}
	return []interface{}{
		item.ID,
		item.Name,
		item.Description,
		item.Required,
		lastSeen,
		lastLocation,
		lastRSSI,
		string(item.PresenceState),
		item.RegisteredAt.UnixNano(),
		item.Position,
	}
}
