package backtest

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"backcast/internal/market"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/shopspring/decimal"
)

// ArtifactWriter 把一次运行的行数据落成列式 CSV、markdown 摘要与
// 资金曲线 HTML，产物路径以相对形式写回 Result.Artifacts。
type ArtifactWriter struct {
	root string
}

func NewArtifactWriter(root string) (*ArtifactWriter, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("artifacts root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &ArtifactWriter{root: root}, nil
}

func (w *ArtifactWriter) Write(res *Result, req RunRequest) error {
	dir := filepath.Join(w.root, res.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	writers := []struct {
		key  string
		name string
		fn   func(string) error
	}{
		{"equity_csv", "equity.csv", func(p string) error { return writeEquityCSV(p, res.EquityCurve) }},
		{"trades", "trades.csv", func(p string) error { return writeTradesCSV(p, res.Fills) }},
		{"bars", "bars.csv", func(p string) error { return writeBarsCSV(p, res.Bars) }},
		{"report", "report.md", func(p string) error { return writeReport(p, res, req) }},
		{"equity_chart", "equity.html", func(p string) error { return writeEquityChart(p, res, req) }},
	}
	for _, item := range writers {
		path := filepath.Join(dir, item.name)
		if err := item.fn(path); err != nil {
			return fmt.Errorf("写产物 %s 失败: %w", item.name, err)
		}
		res.Artifacts[item.key] = filepath.Join(res.RunID, item.name)
	}
	return nil
}

func writeCSV(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	cw := csv.NewWriter(f)
	if err := cw.Write(header); err != nil {
		return err
	}
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func writeEquityCSV(path string, curve []EquityPoint) error {
	rows := make([][]string, 0, len(curve))
	for _, p := range curve {
		rows = append(rows, []string{p.Timestamp, strconv.FormatFloat(p.Equity, 'f', -1, 64)})
	}
	return writeCSV(path, []string{"timestamp", "equity"}, rows)
}

func writeTradesCSV(path string, fills []Fill) error {
	rows := make([][]string, 0, len(fills))
	for _, f := range fills {
		rows = append(rows, []string{
			f.ID, f.Symbol, f.Side,
			strconv.FormatFloat(f.Quantity, 'f', -1, 64),
			strconv.FormatFloat(f.Price, 'f', -1, 64),
			f.Timestamp,
			strconv.FormatFloat(f.PnL, 'f', -1, 64),
			strconv.FormatFloat(f.Fees, 'f', -1, 64),
			f.Reason,
		})
	}
	return writeCSV(path, []string{"id", "symbol", "side", "quantity", "price", "timestamp", "pnl", "fees", "reason"}, rows)
}

func writeBarsCSV(path string, bars []market.Bar) error {
	rows := make([][]string, 0, len(bars))
	for _, b := range bars {
		rows = append(rows, []string{
			b.Timestamp,
			strconv.FormatFloat(b.Open, 'f', -1, 64),
			strconv.FormatFloat(b.High, 'f', -1, 64),
			strconv.FormatFloat(b.Low, 'f', -1, 64),
			strconv.FormatFloat(b.Close, 'f', -1, 64),
			strconv.FormatFloat(b.Volume, 'f', -1, 64),
		})
	}
	return writeCSV(path, []string{"timestamp", "open", "high", "low", "close", "volume"}, rows)
}

// money 金额统一四舍五入到分展示。
func money(v float64) string {
	return decimal.NewFromFloat(v).Round(2).StringFixed(2)
}

func writeReport(path string, res *Result, req RunRequest) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# 回测报告 %s\n\n", res.RunID)
	fmt.Fprintf(&b, "- symbol: %s @ %s\n", strings.ToUpper(req.Symbol), req.Timeframe)
	fmt.Fprintf(&b, "- 区间: %s ~ %s\n", req.Start, req.End)
	fmt.Fprintf(&b, "- 策略: %s\n", req.Strategy)
	fmt.Fprintf(&b, "- 初始资金: %s\n", money(req.InitialCash))
	if res.StoppedEarly {
		fmt.Fprintf(&b, "- 提前结束: %s\n", res.StopReason)
	}
	b.WriteString("\n## 指标\n\n| metric | value |\n|---|---|\n")
	keys := make([]string, 0, len(res.Summary))
	for k := range res.Summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := res.Summary[k]
		switch k {
		case "initial_cash", "final_equity", "total_fees", "realized_pnl":
			fmt.Fprintf(&b, "| %s | %s |\n", k, money(v))
		default:
			fmt.Fprintf(&b, "| %s | %s |\n", k, strconv.FormatFloat(v, 'f', -1, 64))
		}
	}
	if len(res.Diagnostics) > 0 {
		b.WriteString("\n## 诊断\n\n")
		for _, d := range res.Diagnostics {
			fmt.Fprintf(&b, "- %s\n", d)
		}
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func writeEquityChart(path string, res *Result, req RunRequest) error {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("%s %s equity", strings.ToUpper(req.Symbol), req.Timeframe),
			Subtitle: fmt.Sprintf("run %s", res.RunID),
		}),
	)
	xs := make([]string, 0, len(res.EquityCurve))
	ys := make([]opts.LineData, 0, len(res.EquityCurve))
	for _, p := range res.EquityCurve {
		xs = append(xs, p.Timestamp)
		ys = append(ys, opts.LineData{Value: p.Equity})
	}
	line.SetXAxis(xs).AddSeries("equity", ys)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return line.Render(f)
}
