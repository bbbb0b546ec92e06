package datasource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"backcast/internal/logger"
	"backcast/internal/market"

	"github.com/fsnotify/fsnotify"
)

const localCacheSource = "local"

// LocalCSVSource 从本地 CSV 目录加载 K 线。
// 文件缺失返回空序列而非错误；解析结果按文件 mtime 作 validity key 缓存，
// 文件未变化时直接复用缓存跳过重解析。读取/缓存异常同样降级为空序列或
// 重解析，与文件缺失不作区分。
type LocalCSVSource struct {
	dir   string
	cache *BarCache

	parses  atomic.Int64
	watcher *fsnotify.Watcher
}

func NewLocalCSVSource(dir string, cache *BarCache) (*LocalCSVSource, error) {
	if dir == "" {
		return nil, fmt.Errorf("local data dir 不能为空")
	}
	if cache == nil {
		return nil, fmt.Errorf("bar cache 不能为空")
	}
	return &LocalCSVSource{dir: dir, cache: cache}, nil
}

func (s *LocalCSVSource) Name() string { return SourceLocal }

// PathFor 返回 (symbol, timeframe) 对应的数据文件路径，供致命错误提示引用。
func (s *LocalCSVSource) PathFor(symbol, timeframe string) string {
	return filepath.Join(s.dir, market.Slug(symbol)+"_"+strings.ToLower(timeframe)+".csv")
}

// Parses 返回累计的文件解析次数，测试用侧信道。
func (s *LocalCSVSource) Parses() int64 { return s.parses.Load() }

func (s *LocalCSVSource) LoadBars(ctx context.Context, req Request) ([]market.Bar, error) {
	path := s.PathFor(req.Symbol, req.Timeframe)
	info, err := os.Stat(path)
	if err != nil {
		// 缺失与读取失败不作区分，都当作数据集不存在。
		return nil, nil
	}
	mtimeKey := strconv.FormatInt(info.ModTime().UnixMilli(), 10)
	if cached, ok := s.cache.Lookup(ctx, req.Symbol, req.Timeframe, localCacheSource, mtimeKey); ok {
		return market.FilterRange(market.Sanitize(cached), req.Start, req.End), nil
	}
	bars, err := s.parseFile(path)
	if err != nil {
		logger.Warnf("[datasource] 解析本地文件失败 %s: %v", path, err)
		return nil, nil
	}
	bars = market.Sanitize(bars)
	if err := s.cache.Store(ctx, req.Symbol, req.Timeframe, localCacheSource, mtimeKey, 0, bars); err != nil {
		logger.Debugf("[datasource] 写入本地缓存失败 %s: %v", path, err)
	}
	return market.FilterRange(bars, req.Start, req.End), nil
}

func (s *LocalCSVSource) parseFile(path string) ([]market.Bar, error) {
	s.parses.Add(1)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.ReplaceAll(string(raw), "\r\n", "\n"), "\n")
	if len(lines) > 0 {
		lines = lines[1:] // 首行是表头
	}
	bars := make([]market.Bar, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		bar, ok := parseCSVLine(line)
		if !ok {
			continue // 畸形行静默丢弃
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func parseCSVLine(line string) (market.Bar, bool) {
	fields := strings.Split(line, ",")
	if len(fields) < 6 {
		return market.Bar{}, false
	}
	ts := strings.TrimSpace(fields[0])
	if ts == "" {
		return market.Bar{}, false
	}
	nums := make([]float64, 5)
	for i := 0; i < 5; i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(fields[i+1]), 64)
		if err != nil {
			return market.Bar{}, false
		}
		nums[i] = v
	}
	bar := market.Bar{Timestamp: ts, Open: nums[0], High: nums[1], Low: nums[2], Close: nums[3], Volume: nums[4]}
	if !bar.Valid() {
		return market.Bar{}, false
	}
	return bar, true
}

// StartWatcher 监听数据目录，文件变化时主动失效对应缓存条目。
// mtime key 本身已保证正确性，这里只是让并发運行更早看到新数据。
func (s *LocalCSVSource) StartWatcher(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(s.dir); err != nil {
		_ = w.Close()
		return err
	}
	s.watcher = w
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-w.Events:
				if !ok {
					return
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				symbol, timeframe, ok := splitDataFileName(filepath.Base(evt.Name))
				if !ok {
					continue
				}
				s.cache.Invalidate(ctx, symbol, timeframe, localCacheSource)
				logger.Debugf("[datasource] 本地文件变更，缓存已失效: %s", evt.Name)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warnf("[datasource] 目录监听错误: %v", err)
			}
		}
	}()
	return nil
}

func splitDataFileName(name string) (symbol, timeframe string, ok bool) {
	if !strings.HasSuffix(name, ".csv") {
		return "", "", false
	}
	stem := strings.TrimSuffix(name, ".csv")
	idx := strings.LastIndex(stem, "_")
	if idx <= 0 || idx == len(stem)-1 {
		return "", "", false
	}
	return stem[:idx], stem[idx+1:], true
}
