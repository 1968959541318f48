package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"edc-detector/common/config"
)

// 时间统一存为 Unix 纳秒（BIGINT），两种方言排序一致
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS items (
    id             TEXT PRIMARY KEY,
    name           TEXT NOT NULL,
    description    TEXT NOT NULL DEFAULT '',
    required       INTEGER NOT NULL DEFAULT 1,
    last_seen_at   INTEGER,
    last_location  TEXT,
    last_rssi      INTEGER,
    presence_state TEXT NOT NULL DEFAULT 'unknown' CHECK (presence_state IN ('unknown', 'present', 'missing')),
    registered_at  INTEGER NOT NULL,
    position       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS event_log (
    id       INTEGER PRIMARY KEY AUTOINCREMENT,
    ts       INTEGER NOT NULL,
    item_id  TEXT NOT NULL,
    kind     TEXT NOT NULL CHECK (kind IN ('seen', 'missing', 'recovered', 'unrecognized')),
    location TEXT,
    source   TEXT,
    rssi     INTEGER
);

CREATE INDEX IF NOT EXISTS idx_event_log_ts ON event_log(ts, id);
CREATE INDEX IF NOT EXISTS idx_event_log_item ON event_log(item_id, ts);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS items (
    id             TEXT PRIMARY KEY,
    name           TEXT NOT NULL,
    description    TEXT NOT NULL DEFAULT '',
    required       BOOLEAN NOT NULL DEFAULT TRUE,
    last_seen_at   BIGINT,
    last_location  TEXT,
    last_rssi      INTEGER,
    presence_state TEXT NOT NULL DEFAULT 'unknown' CHECK (presence_state IN ('unknown', 'present', 'missing')),
    registered_at  BIGINT NOT NULL,
    position       BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS event_log (
    id       BIGSERIAL PRIMARY KEY,
    ts       BIGINT NOT NULL,
    item_id  TEXT NOT NULL,
    kind     TEXT NOT NULL CHECK (kind IN ('seen', 'missing', 'recovered', 'unrecognized')),
    location TEXT,
    source   TEXT,
    rssi     INTEGER
);

CREATE INDEX IF NOT EXISTS idx_event_log_ts ON event_log(ts, id);
CREATE INDEX IF NOT EXISTS idx_event_log_item ON event_log(item_id, ts);
`

// Migrate 创建表结构（幂等）
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	schema := sqliteSchema
	if driver == config.DriverPostgres {
		schema = postgresSchema
	}
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// rebind 将 ? 占位符转换为 PostgreSQL 的 $N
func rebind(driver, query string) string {
	if driver != config.DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
