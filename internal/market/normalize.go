package market

import (
	"math"
	"sort"
	"strings"
)

// Slug 将标识符归一化为缓存键安全的形式：小写，非字母数字折叠为 '-'。
func Slug(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash {
				b.WriteByte('-')
				prevDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// Valid 校验单根 K 线：时间戳非空，数值字段全部有限。
func (b Bar) Valid() bool {
	if strings.TrimSpace(b.Timestamp) == "" {
		return false
	}
	for _, v := range [...]float64{b.Open, b.High, b.Low, b.Close, b.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Sanitize 丢弃非法 K 线，按时间戳去重（保留输入序中最后一次出现），
// 再按时间戳升序排序。输出满足序列不变式：严格递增、无重复。
func Sanitize(bars []Bar) []Bar {
	if len(bars) == 0 {
		return nil
	}
	lastIdx := make(map[string]int, len(bars))
	for i, b := range bars {
		if !b.Valid() {
			continue
		}
		lastIdx[b.Timestamp] = i
	}
	out := make([]Bar, 0, len(lastIdx))
	for i, b := range bars {
		if idx, ok := lastIdx[b.Timestamp]; ok && idx == i {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// FilterRange 返回 [start, end] 闭区间内的 K 线；空边界表示不限制。
// 日期式边界（YYYY-MM-DD）对带时间的时间戳按日期前缀比较，
// 保证 end 当天的盘中 K 线也落在区间内。
func FilterRange(bars []Bar, start, end string) []Bar {
	if start == "" && end == "" {
		return bars
	}
	out := make([]Bar, 0, len(bars))
	for _, b := range bars {
		if withinRange(b.Timestamp, start, end) {
			out = append(out, b)
		}
	}
	return out
}

func withinRange(ts, start, end string) bool {
	if start != "" && boundCompare(ts, start) < 0 {
		return false
	}
	if end != "" && boundCompare(ts, end) > 0 {
		return false
	}
	return true
}

// boundCompare 以边界的精度比较时间戳。
func boundCompare(ts, bound string) int {
	if len(bound) == len("2006-01-02") && len(ts) > len(bound) {
		ts = ts[:len(bound)]
	}
	return strings.Compare(ts, bound)
}
