package kv

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/rKV/cmd/util"
	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for rKV replica groups",
		RunE:    run,
		PreRunE: processPerfConfig,
	}
	perfKeyPrefix        = "__test"
	perfLargeValueSizeKB = 100
	perfNumThreads       = 10
	perfKeySpread        = 100
	perfSkip             = make([]string, 0)
)

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. put,get)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "large-value-size"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How large the value for the put-large test should be (in KB)"))
	key = "keys"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfKeySpread = max(1, viper.GetInt("keys"))
	perfNumThreads = max(1, viper.GetInt("threads"))
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

// --------------------------------------------------------------------------
// Benchmarks
// --------------------------------------------------------------------------

// benchmark describes one test: prepare fills the keys it needs, op runs one
// operation on the i-th key
type benchmark struct {
	name    string
	prepare bool
	op      func(key []byte, i int) error
}

// benchResult holds the result of testing.Benchmark plus the latency of the
// single operations
type benchResult struct {
	testing.BenchmarkResult
	latency metrics.Histogram
	errors  metrics.Counter
}

func (r benchResult) skipped() bool {
	return r.NsPerOp() == 0
}

func benchmarks() []benchmark {
	value := []byte("test")
	largeValue := make([]byte, perfLargeValueSizeKB*1024)

	return []benchmark{
		{"put", false, func(key []byte, _ int) error {
			return commitErr(directory.Put(key, value))
		}},
		{"put-large", false, func(key []byte, _ int) error {
			return commitErr(directory.Put(key, largeValue))
		}},
		{"update", true, func(key []byte, _ int) error {
			return commitErr(directory.Update(key, value))
		}},
		{"get", true, func(key []byte, _ int) error {
			result, err := directory.Get(key)
			if err == nil && !result.Found() {
				err = fmt.Errorf("storage=%s", result.StorageRC)
			}
			return err
		}},
		{"get-missing", false, func(key []byte, _ int) error {
			_, err := directory.Get([]byte(string(key) + "-missing"))
			return err
		}},
		{"delete", true, func(key []byte, _ int) error {
			// deleting an already deleted key fails in the storage engine, this is expected
			_, err := directory.Delete(key)
			return err
		}},
		{"mixed", true, func(key []byte, i int) error {
			switch i % 4 {
			case 0:
				return commitErr(directory.Put(key, value))
			case 1:
				_, err := directory.Get(key)
				return err
			case 2:
				return commitErr(directory.Update(key, value))
			default:
				_, err := directory.Delete(key)
				return err
			}
		}},
	}
}

func run(_ *cobra.Command, _ []string) error {
	fmt.Println("Performance testing tool for rKV replica groups")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Servers: %v, Leader: %d\n", directory.Servers(), directory.Leader())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()

	fmt.Println("starting tests...")

	results := make(map[string]benchResult)
	var order []string
	for _, bench := range benchmarks() {
		if shouldSkip(bench.name) {
			results[bench.name] = benchResult{latency: metrics.NewHistogram(metrics.NewUniformSample(1)), errors: metrics.NewCounter()}
		} else {
			results[bench.name] = runBenchmark(bench)
		}
		order = append(order, bench.name)
		printResult(bench.name, results[bench.name])
	}

	// Write results to csv if specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, order, results); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

func runBenchmark(bench benchmark) benchResult {
	result := benchResult{
		latency: metrics.NewHistogram(metrics.NewUniformSample(4096)),
		errors:  metrics.NewCounter(),
	}
	getKey, iter := getKeys(bench.name)

	if bench.prepare {
		iter(func(k []byte) {
			if err := commitErr(directory.Put(k, []byte("test"))); err != nil {
				logger.Warn("failed to prepare key", zap.String("test", bench.name), zap.ByteString("key", k), zap.Error(err))
			}
		})
	}

	result.BenchmarkResult = testing.Benchmark(func(b *testing.B) {
		b.SetParallelism(perfNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				start := time.Now()
				err := bench.op(getKey(counter), counter)
				result.latency.Update(int64(time.Since(start)))
				if err != nil {
					result.errors.Inc(1)
					logger.Debug("operation failed", zap.String("test", bench.name), zap.Error(err))
				}
				counter++
			}
		})
	})

	// cleanup, missing keys are expected
	iter(func(k []byte) { _, _ = directory.Delete(k) })

	return result
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// commitErr turns a mutation that did not succeed into an error
func commitErr(result store.CommitResult, err error) error {
	if err != nil {
		return err
	}
	if !result.IsSuccess() {
		return fmt.Errorf("%s", result)
	}
	return nil
}

func shouldSkip(test string) bool {
	for _, skip := range perfSkip {
		if test == strings.TrimSpace(skip) {
			return true
		}
	}
	return false
}

// creates an array of test keys and functions to work with them
func getKeys(prefix string) (func(int) []byte, func(func([]byte))) {
	keys := make([][]byte, perfKeySpread)
	for i := 0; i < perfKeySpread; i++ {
		keys[i] = []byte(fmt.Sprintf("%s-%s-%d", perfKeyPrefix, prefix, i))
	}

	// Function to get a key by index (with wraparound)
	getKey := func(i int) []byte {
		return keys[i%perfKeySpread]
	}

	// Function to iterate over all keys and apply a function to each
	iterateKeys := func(fn func([]byte)) {
		for _, key := range keys {
			fn(key)
		}
	}

	return getKey, iterateKeys
}

// opsPerSec returns the throughput of a result
func opsPerSec(result benchResult) float64 {
	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	return 1.0 / (nsPerOp / 1e9)
}

// percentiles returns the 50th, 90th and 99th latency percentile
func percentiles(result benchResult) []time.Duration {
	ps := result.latency.Percentiles([]float64{0.5, 0.9, 0.99})
	out := make([]time.Duration, len(ps))
	for i, p := range ps {
		out[i] = time.Duration(p)
	}
	return out
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result benchResult) {
	if result.skipped() {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	p := percentiles(result)
	fmt.Printf("%-20s%dns/op (%s/op)\t%.0f ops/sec\tp50=%s p90=%s p99=%s\terrors=%d\n",
		test, result.NsPerOp(), time.Duration(result.NsPerOp()), opsPerSec(result), p[0], p[1], p[2], result.errors.Count())
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, order []string, results map[string]benchResult) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	config := util.GetClientConfig()

	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "P50", "P90", "P99", "Errors", "Skipped",
		"Seed", "Servers", "TimeoutSec", "Retries", "ConnectionsPerEndpoint",
		"Serializer", "Transport",
		"Threads", "LargeValueSizeKB", "Keys Count",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	servers := make([]string, 0)
	for _, id := range directory.Servers() {
		servers = append(servers, strconv.Itoa(int(id)))
	}

	for _, test := range order {
		result := results[test]
		row := []string{test, "0", "0s", "0", "0s", "0s", "0s", "0", "true"}
		if !result.skipped() {
			p := percentiles(result)
			row = []string{
				test,
				strconv.FormatInt(result.NsPerOp(), 10),
				time.Duration(result.NsPerOp()).String(),
				fmt.Sprintf("%.0f", opsPerSec(result)),
				p[0].String(), p[1].String(), p[2].String(),
				strconv.FormatInt(result.errors.Count(), 10),
				"false",
			}
		}
		row = append(row,
			config.Seed,
			strings.Join(servers, ";"),
			strconv.Itoa(config.TransportConfig.TimeoutSecond),
			strconv.Itoa(config.Retries),
			strconv.Itoa(config.TransportConfig.ConnectionsPerEndpoint),
			config.Serializer,
			config.Transport,
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeValueSizeKB),
			strconv.Itoa(perfKeySpread),
		)

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
