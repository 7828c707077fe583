// Benchmark tool for replaying labelled trades against Harrier.
//
// Usage:
//
//	go run cmd/benchmark/main.go -csv /path/to/trades.csv -url http://localhost:8080
//
// The CSV needs a header row. Recognised columns (case-insensitive):
//
//	agent_id, asset, amount, market_price, trade_price   (required)
//	reason, trade_frequency, volatility, is_anomaly      (optional)
//
// This tool:
//  1. Reads trades, optionally labelled with is_anomaly (1/0, true/false)
//  2. Sends each trade to POST /evaluate
//  3. Compares Harrier's is_anomaly verdict with the label
//  4. Reports the confusion matrix, latency and score distribution
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LabelledTrade is one CSV row.
type LabelledTrade struct {
	Input    TradeInput
	HasLabel bool
	Anomaly  bool
}

// TradeInput is the Harrier API request format
type TradeInput struct {
	AgentID       string       `json:"agent_id"`
	TradeDetails  TradeDetails `json:"trade_details"`
	UserReasoning string       `json:"user_reasoning,omitempty"`
	UserHistory   *UserHistory `json:"user_history,omitempty"`
	MarketData    *MarketData  `json:"market_data,omitempty"`
}

type TradeDetails struct {
	Asset       string  `json:"asset"`
	Amount      float64 `json:"amount"`
	MarketPrice float64 `json:"market_price"`
	TradePrice  float64 `json:"trade_price"`
}

type UserHistory struct {
	TradeFrequency int `json:"trade_frequency"`
}

type MarketData struct {
	Volatility float64 `json:"volatility"`
}

// EvaluateResponse is the Harrier API response format
type EvaluateResponse struct {
	EvaluationID    string `json:"evaluationId"`
	ReputationScore int    `json:"reputation_score"`
	IsAnomaly       bool   `json:"is_anomaly"`
	TriggeredCheck  string `json:"triggeredCheck"`
	Verification    string `json:"verification"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Labelled anomaly flagged
	FalsePositives int64 // Labelled normal flagged
	TrueNegatives  int64 // Labelled normal passed
	FalseNegatives int64 // Labelled anomaly passed

	TotalProcessed int64
	TotalFlagged   int64
	TotalUnlabeled int64
	TotalErrors    int64

	ProcessingTimeMs int64

	mu           sync.Mutex
	ByCheck      map[string]int64
	ScoreBuckets [5]int64 // 0-19, 20-39, 40-59, 60-79, 80-100
}

func (m *Metrics) record(resp *EvaluateResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if resp.TriggeredCheck != "" {
		m.ByCheck[resp.TriggeredCheck]++
	}
	bucket := resp.ReputationScore / 20
	if bucket > 4 {
		bucket = 4
	}
	if bucket < 0 {
		bucket = 0
	}
	m.ScoreBuckets[bucket]++
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to trades CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Harrier base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	limit := flag.Int("limit", 10000, "Maximum trades to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each trade result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/trades.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║           HARRIER BENCHMARK - Labelled Trade Replay           ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Harrier URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Harrier not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Harrier is running:")
		fmt.Println("  go run ./cmd/harrier")
		os.Exit(1)
	}
	fmt.Println("✓ Harrier is healthy")

	fmt.Printf("\nReading trades from %s...\n", *csvPath)
	trades, err := readTradesCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	if len(trades) == 0 {
		fmt.Println("ERROR: no trades in CSV")
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d trades\n", len(trades))

	labelled := 0
	for _, tr := range trades {
		if tr.HasLabel {
			labelled++
		}
	}
	fmt.Printf("  - Labelled:  %d (%.2f%%)\n", labelled, 100*float64(labelled)/float64(len(trades)))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(trades, *baseURL, *tenantID, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readTradesCSV(path string, limit int) ([]LabelledTrade, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"agent_id", "asset", "amount", "market_price", "trade_price"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	field := func(record []string, name string) (string, bool) {
		i, ok := colIndex[name]
		if !ok || i >= len(record) || strings.TrimSpace(record[i]) == "" {
			return "", false
		}
		return strings.TrimSpace(record[i]), true
	}
	number := func(record []string, name string) float64 {
		v, _ := field(record, name)
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}

	var trades []LabelledTrade
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		agentID, _ := field(record, "agent_id")
		asset, _ := field(record, "asset")
		tr := LabelledTrade{
			Input: TradeInput{
				AgentID: agentID,
				TradeDetails: TradeDetails{
					Asset:       asset,
					Amount:      number(record, "amount"),
					MarketPrice: number(record, "market_price"),
					TradePrice:  number(record, "trade_price"),
				},
			},
		}
		if reason, ok := field(record, "reason"); ok {
			tr.Input.UserReasoning = reason
		}
		if v, ok := field(record, "trade_frequency"); ok {
			n, _ := strconv.Atoi(v)
			tr.Input.UserHistory = &UserHistory{TradeFrequency: n}
		}
		if _, ok := field(record, "volatility"); ok {
			tr.Input.MarketData = &MarketData{Volatility: number(record, "volatility")}
		}
		if v, ok := field(record, "is_anomaly"); ok {
			tr.HasLabel = true
			tr.Anomaly = v == "1" || strings.EqualFold(v, "true")
		}

		trades = append(trades, tr)

		if limit > 0 && len(trades) >= limit {
			break
		}
	}

	return trades, nil
}

func runBenchmark(trades []LabelledTrade, baseURL, tenantID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{ByCheck: make(map[string]int64)}

	work := make(chan LabelledTrade, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 30 * time.Second}

			for tr := range work {
				start := time.Now()
				result, err := evaluateTrade(client, baseURL, tenantID, tr.Input)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", tr.Input.AgentID, err)
					}
					continue
				}

				metrics.record(result)
				if result.IsAnomaly {
					atomic.AddInt64(&metrics.TotalFlagged, 1)
				}

				status := "·"
				if !tr.HasLabel {
					atomic.AddInt64(&metrics.TotalUnlabeled, 1)
				} else {
					predicted, actual := result.IsAnomaly, tr.Anomaly
					switch {
					case predicted && actual:
						atomic.AddInt64(&metrics.TruePositives, 1)
					case predicted && !actual:
						atomic.AddInt64(&metrics.FalsePositives, 1)
					case !predicted && !actual:
						atomic.AddInt64(&metrics.TrueNegatives, 1)
					default:
						atomic.AddInt64(&metrics.FalseNegatives, 1)
					}
					status = "✓"
					if predicted != actual {
						status = "✗"
					}
				}

				if verbose {
					name := tr.Input.AgentID
					if len(name) > 12 {
						name = name[:12]
					}
					fmt.Printf("%s %-12s | %-6s | Amount: %14.2f | Anomaly: %-5v | Check: %-15s | Score: %3d\n",
						status,
						name,
						tr.Input.TradeDetails.Asset,
						tr.Input.TradeDetails.Amount,
						result.IsAnomaly,
						result.TriggeredCheck,
						result.ReputationScore,
					)
				}
			}
		}()
	}

	for _, tr := range trades {
		work <- tr
	}
	close(work)

	wg.Wait()

	return metrics
}

func evaluateTrade(client *http.Client, baseURL, tenantID string, in TradeInput) (*EvaluateResponse, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result EvaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 REPLAY STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Flagged:          %d\n", m.TotalFlagged)
	fmt.Printf("   Unlabelled:       %d\n", m.TotalUnlabeled)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	if len(m.ByCheck) > 0 {
		fmt.Printf("\n🚩 TRIGGERED CHECKS\n")
		for _, name := range []string{"trade_amount", "price_deviation", "trade_frequency", "volatility"} {
			fmt.Printf("   %-16s  %d\n", name+":", m.ByCheck[name])
		}
	}

	fmt.Printf("\n⭐ REPUTATION SCORES\n")
	labels := []string{"0-19", "20-39", "40-59", "60-79", "80-100"}
	for i, label := range labels {
		fmt.Printf("   %-7s %d\n", label, m.ScoreBuckets[i])
	}

	labelled := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if labelled > 0 {
		fmt.Printf("\n📈 CONFUSION MATRIX\n")
		fmt.Println("                        Predicted")
		fmt.Println("                  ANOMALY      NORMAL")
		fmt.Println("              ┌──────────┬──────────┐")
		fmt.Printf("   Actual  A  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
		fmt.Println("              ├──────────┼──────────┤")
		fmt.Printf("           N  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
		fmt.Println("              └──────────┴──────────┘")

		precision := float64(0)
		if m.TruePositives+m.FalsePositives > 0 {
			precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
		}

		recall := float64(0)
		if m.TruePositives+m.FalseNegatives > 0 {
			recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
		}

		f1 := float64(0)
		if precision+recall > 0 {
			f1 = 2 * (precision * recall) / (precision + recall)
		}

		accuracy := float64(m.TruePositives+m.TrueNegatives) / float64(labelled)

		fmt.Printf("\n🎯 DETECTION METRICS\n")
		fmt.Printf("   Precision:  %.4f  (of flags, how many were labelled anomalies)\n", precision)
		fmt.Printf("   Recall:     %.4f  (of labelled anomalies, how many were flagged)\n", recall)
		fmt.Printf("   F1-Score:   %.4f\n", f1)
		fmt.Printf("   Accuracy:   %.4f\n", accuracy)
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f trades/sec\n", tps)
	}

	fmt.Println()
}
