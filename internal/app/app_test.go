package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ledger-signals/internal/aggregate"
	"ledger-signals/internal/config"
	"ledger-signals/internal/fetcher"
	"ledger-signals/internal/ledger"
	"ledger-signals/internal/service"
)

const testAddress = "11111111111111111111111111111111"

func testApp(t *testing.T) *App {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("加载默认配置失败: %v", err)
	}
	return NewApp(cfg, zerolog.Nop())
}

func TestHeatmapCSV(t *testing.T) {
	at := time.Date(2024, 5, 1, 3, 15, 0, 0, time.UTC)
	hm := aggregate.Heatmap([]aggregate.HourSample{
		{At: &at, Volume: 10, HasVolume: true},
		{At: &at, Volume: 20, HasVolume: true},
	}, aggregate.HeatmapOptions{Now: at.Add(time.Hour)})

	path := filepath.Join(t.TempDir(), "out", "heatmap.csv")
	if err := writeHeatmapCSV(path, hm); err != nil {
		t.Fatalf("写入 CSV 失败: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("打开 CSV 失败: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("读取 CSV 失败: %v", err)
	}
	if len(rows) != 25 {
		t.Fatalf("期望 25 行, 实际 %d", len(rows))
	}
	if got := rows[4]; got[0] != "03" || got[1] != "2" || got[2] != "15.00" || got[3] != "true" {
		t.Fatalf("03 时桶不正确: %v", got)
	}
}

func TestHeatmapPNG(t *testing.T) {
	hm := aggregate.Heatmap(nil, aggregate.HeatmapOptions{Now: time.Now()})
	path := filepath.Join(t.TempDir(), "heatmap.png")
	if err := writeHeatmapPNG(path, testAddress, hm); err != nil {
		t.Fatalf("渲染空 PNG 失败: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		t.Fatalf("PNG 未生成: %v", err)
	}
}

func TestWriteReport(t *testing.T) {
	var buf bytes.Buffer
	report := &service.Report{ID: "r", Address: testAddress}
	if err := writeReport(&buf, report, false); err != nil {
		t.Fatalf("编码报告失败: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("报告应为 JSON: %v", err)
	}
	if decoded["address"] != testAddress {
		t.Fatalf("address 不正确: %v", decoded["address"])
	}
}

func TestSimulateEventRunsWatchCycle(t *testing.T) {
	a := testApp(t)
	if err := a.SimulateEvent(context.Background(), testAddress, decimal.NewFromInt(5)); err != nil {
		t.Fatalf("模拟事件失败: %v", err)
	}
	if err := a.SimulateEvent(context.Background(), "bad", decimal.NewFromInt(5)); err == nil {
		t.Fatal("非法地址应报错")
	}
	if err := a.SimulateEvent(context.Background(), testAddress, decimal.Zero); err == nil {
		t.Fatal("零金额应报错")
	}
}

func TestShortAddress(t *testing.T) {
	if got := shortAddress("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"); got != "Tokenk..Q5DA" {
		t.Fatalf("缩写不正确: %s", got)
	}
	if got := shortAddress("short"); got != "short" {
		t.Fatalf("短地址不应缩写: %s", got)
	}
}

func TestFailureSummary(t *testing.T) {
	if err := failureSummary(nil); err != nil {
		t.Fatalf("无失败时不应返回错误: %v", err)
	}

	var failures []*fetcher.FetchError
	for i := 0; i < 7; i++ {
		failures = append(failures, &fetcher.FetchError{
			ID:  ledger.Identifier(fmt.Sprintf("sig%d", i)),
			Err: ledger.Unavailable(errors.New("timeout")),
		})
	}

	err := failureSummary(failures)
	if err == nil {
		t.Fatalf("期望返回汇总错误")
	}
	if !errors.Is(err, ledger.ErrSourceUnavailable) {
		t.Fatalf("汇总错误应保留原因: %v", err)
	}
	msg := err.Error()
	if !strings.HasPrefix(msg, "7 条记录回填失败") {
		t.Fatalf("汇总信息不正确: %s", msg)
	}
	if !strings.Contains(msg, "sig4") || strings.Contains(msg, "sig5") {
		t.Fatalf("应只列出前 5 条: %s", msg)
	}
}
