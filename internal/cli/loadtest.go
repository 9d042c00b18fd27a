package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"
)

var loadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Fire a fixed-rate burst of synthetic-gen requests at a running server",
	RunE:  runLoadtest,
}

func init() {
	loadtestCmd.Flags().String("url", "http://localhost:8000/api/synthetic-gen", "endpoint to hit")
	loadtestCmd.Flags().String("language", "python", "language query parameter")
	loadtestCmd.Flags().Int("requests", 20, "total requests to send")
	loadtestCmd.Flags().Int("rate", 2, "requests started per second")
	loadtestCmd.Flags().Duration("timeout", 10*time.Minute, "per-request timeout")

	rootCmd.AddCommand(loadtestCmd)
}

type loadResult struct {
	status  int
	latency time.Duration
	err     error
}

func runLoadtest(cmd *cobra.Command, _ []string) error {
	target, _ := cmd.Flags().GetString("url")
	lang, _ := cmd.Flags().GetString("language")
	total, _ := cmd.Flags().GetInt("requests")
	rate, _ := cmd.Flags().GetInt("rate")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if total <= 0 || rate <= 0 {
		return fmt.Errorf("requests and rate must be positive")
	}

	u, err := url.Parse(target)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("language", lang)
	u.RawQuery = q.Encode()

	results := fireRequests(cmd.Context(), &http.Client{Timeout: timeout}, u.String(), total, rate)
	summarize(cmd.OutOrStdout(), results)
	return nil
}

func fireRequests(ctx context.Context, client *http.Client, target string, total, rate int) []loadResult {
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	results := make([]loadResult, total)
	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		select {
		case <-ctx.Done():
			results = results[:i]
			wg.Wait()
			return results
		case <-ticker.C:
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
			if err != nil {
				results[i] = loadResult{err: err}
				return
			}
			resp, err := client.Do(req)
			if err != nil {
				results[i] = loadResult{err: err, latency: time.Since(start)}
				return
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			results[i] = loadResult{status: resp.StatusCode, latency: time.Since(start)}
		}()
	}
	wg.Wait()
	return results
}

func summarize(w io.Writer, results []loadResult) {
	codes := map[int]int{}
	var failed int
	latencies := make([]time.Duration, 0, len(results))
	for _, r := range results {
		if r.err != nil {
			failed++
			continue
		}
		codes[r.status]++
		latencies = append(latencies, r.latency)
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	fmt.Fprintf(w, "requests: %d  transport errors: %d\n", len(results), failed)
	statuses := make([]int, 0, len(codes))
	for c := range codes {
		statuses = append(statuses, c)
	}
	sort.Ints(statuses)
	for _, c := range statuses {
		fmt.Fprintf(w, "  %d: %d\n", c, codes[c])
	}
	if len(latencies) > 0 {
		fmt.Fprintf(w, "latency p50=%s p95=%s max=%s\n",
			percentile(latencies, 50), percentile(latencies, 95), latencies[len(latencies)-1])
	}
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p int) time.Duration {
	idx := (len(sorted)*p + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}
