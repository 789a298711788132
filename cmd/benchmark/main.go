package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
)

// Metrics
var (
	totalRequests uint64
	success201    uint64 // Created
	replays       uint64 // Answered from the idempotency cache
	fail409       uint64 // Conflicts (in-flight duplicates)
	fail422       uint64 // Rejections (funds, limits)
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "transfers", "Workload type: transfers | purchases | hotspot | replay")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		var path string
		var payload map[string]interface{}
		var key string

		switch workload {
		case "purchases":
			path = "/api/v1/purchases"
			account := rand.Intn(1000) + 1
			payload = map[string]interface{}{
				"account_id": account,
				"amount":     "150.00",
				"category":   "AIRTIME",
			}
			key = fmt.Sprintf("bench-buy-%d-%d", account, time.Now().UnixNano())
		case "replay":
			// Deliberately reuse a small key space to measure replay throughput.
			path = "/api/v1/transfers"
			from, to := generateAccounts()
			payload = map[string]interface{}{
				"from_account_id": from,
				"to_account_id":   to,
				"amount":          "100.00",
			}
			key = fmt.Sprintf("bench-replay-%d-%d", from, to)
		default:
			path = "/api/v1/transfers"
			from, to := generateAccounts()
			payload = map[string]interface{}{
				"from_account_id": from,
				"to_account_id":   to,
				"amount":          "100.00",
			}
			key = fmt.Sprintf("bench-%d-%d-%d", from, to, time.Now().UnixNano())
		}

		body, _ := json.Marshal(payload)
		req, _ := http.NewRequest("POST", targetURL+path, bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", key)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		if resp.Header.Get("Idempotency-Replayed") == "true" {
			atomic.AddUint64(&replays, 1)
		}
		switch resp.StatusCode {
		case 201:
			atomic.AddUint64(&success201, 1)
		case 409:
			atomic.AddUint64(&fail409, 1)
		case 422:
			atomic.AddUint64(&fail422, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func generateAccounts() (int64, int64) {
	// Assumes 1000 accounts seeded (IDs 1-1000)
	totalAccounts := 1000

	if workload == "hotspot" {
		// Hotspot: 90% of traffic goes to Account 1 & 2
		if rand.Float32() < 0.90 {
			if rand.Float32() < 0.5 {
				return 1, 2
			}
			return 2, 1
		}
	}

	// Uniform Random
	a := rand.Intn(totalAccounts) + 1
	b := rand.Intn(totalAccounts) + 1
	for a == b {
		b = rand.Intn(totalAccounts) + 1
	}
	return int64(a), int64(b)
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	cached := atomic.LoadUint64(&replays)
	f409 := atomic.LoadUint64(&fail409)
	f422 := atomic.LoadUint64(&fail422)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	conflictRate := 0.0
	if total > 0 {
		conflictRate = float64(f409) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    tps,
		"success_created":   s201,
		"success_replay":    cached,
		"conflicts":         f409,
		"rejections":        f422,
		"conflict_rate_pct": conflictRate,
		"errors":            fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
