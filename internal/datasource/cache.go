package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"backcast/internal/logger"
	"backcast/internal/market"

	_ "modernc.org/sqlite"
)

// BarCache 将各 source 解析后的 K 线落盘复用，一个 symbol@timeframe 一个库。
// 条目带 validity key：本地文件 source 存文件 mtime，vendor source 存
// 拉取时刻 + TTL。key 不匹配或过期即视为 miss，由调用方重建；
// 读写异常一律降级为 miss，缓存损坏不会让运行失败。
type BarCache struct {
	root string
	now  func() time.Time

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func NewBarCache(root string) (*BarCache, error) {
	if root == "" {
		return nil, fmt.Errorf("cache root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &BarCache{root: root, now: time.Now, dbs: make(map[string]*sql.DB)}, nil
}

func (c *BarCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for k, db := range c.dbs {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.dbs, k)
	}
	return firstErr
}

func (c *BarCache) db(symbol, timeframe string) (*sql.DB, error) {
	if symbol == "" || timeframe == "" {
		return nil, fmt.Errorf("symbol/timeframe 不能为空")
	}
	key := market.Slug(symbol) + "@" + strings.ToLower(timeframe)
	c.mu.Lock()
	defer c.mu.Unlock()
	if db, ok := c.dbs[key]; ok && db != nil {
		return db, nil
	}
	path := filepath.Join(c.root, market.Slug(symbol), strings.ToLower(timeframe)+".db")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureCacheSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	c.dbs[key] = db
	return db, nil
}

func ensureCacheSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bars (
			source TEXT NOT NULL,
			ts     TEXT NOT NULL,
			open   REAL NOT NULL,
			high   REAL NOT NULL,
			low    REAL NOT NULL,
			close  REAL NOT NULL,
			volume REAL NOT NULL,
			PRIMARY KEY (source, ts)
		);`,
		`CREATE TABLE IF NOT EXISTS cache_meta (
			source       TEXT PRIMARY KEY,
			validity_key TEXT NOT NULL,
			fetched_at   INTEGER NOT NULL,
			ttl_ms       INTEGER NOT NULL DEFAULT 0
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Lookup 按 validity key 查缓存。key 为空表示仅按 TTL 判新鲜；
// ttl_ms 为 0 表示条目只受 key 约束不受时间约束。
func (c *BarCache) Lookup(ctx context.Context, symbol, timeframe, source, key string) ([]market.Bar, bool) {
	db, err := c.db(symbol, timeframe)
	if err != nil {
		logger.Debugf("[cache] 打开缓存失败（按 miss 处理）: %v", err)
		return nil, false
	}
	row := db.QueryRowContext(ctx, `SELECT validity_key, fetched_at, ttl_ms FROM cache_meta WHERE source = ?`, source)
	var storedKey string
	var fetchedAt, ttlMs int64
	if err := row.Scan(&storedKey, &fetchedAt, &ttlMs); err != nil {
		return nil, false
	}
	if key != "" && storedKey != key {
		return nil, false
	}
	if ttlMs > 0 && c.now().UnixMilli()-fetchedAt > ttlMs {
		return nil, false
	}
	rows, err := db.QueryContext(ctx, `SELECT ts, open, high, low, close, volume FROM bars WHERE source = ? ORDER BY ts ASC`, source)
	if err != nil {
		logger.Debugf("[cache] 读取缓存失败（按 miss 处理）: %v", err)
		return nil, false
	}
	defer rows.Close()
	var out []market.Bar
	for rows.Next() {
		var b market.Bar
		if err := rows.Scan(&b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			logger.Debugf("[cache] 缓存行损坏（按 miss 处理）: %v", err)
			return nil, false
		}
		out = append(out, b)
	}
	if rows.Err() != nil {
		return nil, false
	}
	return out, true
}

// Store 覆盖写入指定 source 的全部缓存 K 线并刷新 validity key。
// 条目一经写入对给定 key 即不可变，并发重建丢失竞争只是重复劳动。
func (c *BarCache) Store(ctx context.Context, symbol, timeframe, source, key string, ttl time.Duration, bars []market.Bar) error {
	db, err := c.db(symbol, timeframe)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM bars WHERE source = ?`, source); err != nil {
		_ = tx.Rollback()
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO bars (source, ts, open, high, low, close, volume) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, source, b.Timestamp, b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cache_meta (source, validity_key, fetched_at, ttl_ms) VALUES (?, ?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET validity_key=excluded.validity_key, fetched_at=excluded.fetched_at, ttl_ms=excluded.ttl_ms`,
		source, key, c.now().UnixMilli(), ttl.Milliseconds()); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Invalidate 丢弃指定 source 的缓存条目。
func (c *BarCache) Invalidate(ctx context.Context, symbol, timeframe, source string) {
	db, err := c.db(symbol, timeframe)
	if err != nil {
		return
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM cache_meta WHERE source = ?`, source); err != nil {
		logger.Debugf("[cache] 失效缓存失败: %v", err)
	}
}
