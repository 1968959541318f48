package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"edc-detector/internal/models"

	"go.uber.org/zap"
)

// EventLogRepository 事件日志表仓库（只追加）
type EventLogRepository struct {
	db     *sql.DB
	driver string
	logger *zap.Logger
}

// NewEventLogRepository 创建事件日志仓库
func NewEventLogRepository(db *sql.DB, driver string, logger *zap.Logger) *EventLogRepository {
	return &EventLogRepository{
		db:     db,
		driver: driver,
		logger: logger,
	}
}

// AppendEntry 写入一条日志，返回自增ID
// 单条 INSERT 语句，不存在部分写入
func (r *EventLogRepository) AppendEntry(ctx context.Context, entry models.LogEntry) (int64, error) {
	query := rebind(r.driver, `
		INSERT INTO event_log (ts, item_id, kind, location, source, rssi)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id
	`)

	var location, source, rssi interface{}
	if entry.Location != nil {
		location = *entry.Location
	}
	if entry.Source != nil {
		source = string(*entry.Source)
	}
	if entry.RSSI != nil {
		rssi = int64(*entry.RSSI)
	}

	var id int64
	err := r.db.QueryRowContext(ctx, query,
		entry.Timestamp.UnixNano(),
		entry.ItemID,
		string(entry.Kind),
		location,
		source,
		rssi,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert log entry: %w", err)
	}
	return id, nil
}

// QueryEntries 按条件查询日志，按时间升序；返回惰性迭代器，调用方必须 Close
func (r *EventLogRepository) QueryEntries(ctx context.Context, q models.LogQuery) (*EntryIterator, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.ItemID != nil {
		where = append(where, "item_id = ?")
		args = append(args, models.NormalizeID(*q.ItemID))
	}
	if q.Since != nil {
		where = append(where, "ts >= ?")
		args = append(args, q.Since.UnixNano())
	}
	if q.Kind != nil {
		where = append(where, "kind = ?")
		args = append(args, string(*q.Kind))
	}

	query := `SELECT id, ts, item_id, kind, location, source, rssi FROM event_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts ASC, id ASC"

	rows, err := r.db.QueryContext(ctx, rebind(r.driver, query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query event log: %w", err)
	}
	return &EntryIterator{rows: rows}, nil
}

// EntryIterator 日志条目迭代器（逐行读取，不一次性加载）
type EntryIterator struct {
	rows  *sql.Rows
	entry models.LogEntry
	err   error
}

// Next 前进到下一条，返回 false 表示结束或出错（通过 Err 获取）
func (it *EntryIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}

	var (
		entry    models.LogEntry
		ts       int64
		kind     string
		location sql.NullString
		source   sql.NullString
		rssi     sql.NullInt64
	)
	if err := it.rows.Scan(&entry.ID, &ts, &entry.ItemID, &kind, &location, &source, &rssi); err != nil {
		it.err = fmt.Errorf("failed to scan log entry: %w", err)
		return false
	}

	entry.Timestamp = time.Unix(0, ts).UTC()
	entry.ItemID = models.NormalizeID(entry.ItemID)
	entry.Kind = models.LogKind(kind)
	if location.Valid {
		l := location.String
		entry.Location = &l
	}
	if source.Valid {
		s := models.SightingSource(source.String)
		entry.Source = &s
	}
	if rssi.Valid {
		v := int(rssi.Int64)
		entry.RSSI = &v
	}

	it.entry = entry
	return true
}

// Entry 当前条目
func (it *EntryIterator) Entry() models.LogEntry {
	return it.entry
}

// Err 迭代过程中的错误
func (it *EntryIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

// Close 释放底层游标
func (it *EntryIterator) Close() error {
	return it.rows.Close()
}
