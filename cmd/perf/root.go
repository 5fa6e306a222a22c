package perf

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dIO/cmd/util"
	"github.com/ValentinKolb/dIO/common"
	"github.com/ValentinKolb/dIO/lib/bootstrap"
	"github.com/ValentinKolb/dIO/lib/elg"
	"github.com/ValentinKolb/dIO/lib/resolver"
	"github.com/ValentinKolb/dIO/lib/tlsctx"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	PerfCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for dIO servers",
		Long:    `Measure connect, handshake and round trip latency against an echo server (see dio serve). The format of the environment variables is DIO_<flag> (e.g. DIO_WORKERS=20)`,
		PreRunE: processPerfConfig,
		RunE:    run,
	}
	perfWorkers     = 10
	perfMessageSize = 64
	perfSkip        = make([]string, 0)
)

func init() {
	util.SetupGroupFlags(PerfCmd)
	util.SetupTransportFlags(PerfCmd)
	util.SetupResolverFlags(PerfCmd)
	util.SetupTLSFlags(PerfCmd)

	key := "endpoints"
	PerfCmd.PersistentFlags().String(key, "localhost:7000", util.WrapString("Endpoint of the echo server (only the first one is used)"))

	key = "server-name"
	PerfCmd.PersistentFlags().String(key, "", util.WrapString("Name sent via SNI and verified against the certificate (default: endpoint host)"))

	key = "timeout"
	PerfCmd.PersistentFlags().Int(key, 10, util.WrapString("Timeout for a single operation (in seconds)"))

	key = "skip"
	PerfCmd.PersistentFlags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. connect,roundtrip)"))

	key = "workers"
	PerfCmd.PersistentFlags().Int(key, 10, util.WrapString("Number of parallel workers per CPU for the benchmark"))

	key = "message-size"
	PerfCmd.PersistentFlags().Int(key, 64, util.WrapString("Size of the message for the roundtrip test (in bytes)"))

	key = "csv"
	PerfCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, args []string) error {
	if err := util.BindCommandFlags(cmd, args); err != nil {
		return err
	}

	perfWorkers = int(math.Max(1, float64(viper.GetInt("workers"))))
	perfMessageSize = int(math.Max(1, float64(viper.GetInt("message-size"))))
	perfSkip = strings.Split(viper.GetString("skip"), ",")
	return nil
}

// result is a benchmark result together with the latency distribution of its operations
type result struct {
	bench  testing.BenchmarkResult
	timer  gometrics.Timer
	failed int64
}

func run(_ *cobra.Command, _ []string) error {
	config := util.GetClientConfig()
	if len(config.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}
	host, port, err := util.SplitEndpoint(config.Endpoints[0], config.Transport.Domain)
	if err != nil {
		return err
	}

	fmt.Println("Performance testing tool for dIO servers")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(config.String())
	fmt.Printf("Workers: %d\n", perfWorkers)
	fmt.Printf("Message size: %d B\n", perfMessageSize)
	fmt.Println()

	var tlsCtx *tlsctx.Context
	if opts, enabled, err := util.GetTLSOptions(true); err != nil {
		return err
	} else if enabled {
		if tlsCtx, err = tlsctx.NewClientContext(opts); err != nil {
			return err
		}
	}

	group, err := util.NewGroup(config.Group)
	if err != nil {
		return err
	}
	defer group.Close()

	r, err := resolver.New(config.Resolver)
	if err != nil {
		return err
	}
	client, err := bootstrap.NewClientBootstrap(group, bootstrap.WithResolver(r), bootstrap.WithSocketOptions(config.Transport))
	if err != nil {
		_ = r.Close()
		return err
	}
	defer client.Release()

	req := bootstrap.ConnectRequest{Host: host, Port: port, TLS: tlsCtx, ServerName: config.ServerName}
	timeout := time.Duration(config.TimeoutSecond) * time.Second

	fmt.Println("starting tests...")

	results := make(map[string]*result)

	results["connect"] = benchmark("connect", func(timer gometrics.Timer) error {
		start := time.Now()
		ch, err := dial(client, req, timeout)
		if err != nil {
			return err
		}
		timer.UpdateSince(start)
		return ch.Close()
	})
	printResult("connect", results["connect"])

	results["roundtrip"] = benchmark("roundtrip", func() func(gometrics.Timer) error {
		message := make([]byte, perfMessageSize)
		for i := range message {
			message[i] = byte('a' + i%26)
		}
		// channels are opened lazily and reused by the workers
		idle := make(chan *echoConn, perfWorkers*64)
		return func(timer gometrics.Timer) error {
			var conn *echoConn
			select {
			case conn = <-idle:
			default:
				ch, err := dial(client, req, timeout)
				if err != nil {
					return err
				}
				if conn, err = newEchoConn(ch); err != nil {
					_ = ch.Close()
					return err
				}
			}
			start := time.Now()
			if err := conn.roundTrip(message, timeout); err != nil {
				_ = conn.ch.Close()
				return err
			}
			timer.UpdateSince(start)
			select {
			case idle <- conn:
			default:
				_ = conn.ch.Close()
			}
			return nil
		}
	}())
	printResult("roundtrip", results["roundtrip"])

	// Write results to csv is specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, config, group); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// benchmark runs op in parallel and records the latency of every successful run
func benchmark(test string, op func(gometrics.Timer) error) *result {
	res := &result{timer: gometrics.NewTimer()}
	if shouldSkip(test) {
		return res
	}

	var failed atomic.Int64
	res.bench = testing.Benchmark(func(b *testing.B) {
		b.SetParallelism(perfWorkers)
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				if err := op(res.timer); err != nil {
					util.Logger.Errorf("(%s) - %v", test, err)
					failed.Add(1)
				}
			}
		})
	})
	res.failed = failed.Load()
	return res
}

// dial opens one channel and waits for the setup callback
func dial(client *bootstrap.ClientBootstrap, req bootstrap.ConnectRequest, timeout time.Duration) (*bootstrap.Channel, error) {
	type setup struct {
		ch  *bootstrap.Channel
		err error
	}
	done := make(chan setup, 1)
	if err := client.Connect(req, func(ch *bootstrap.Channel, err error) {
		done <- setup{ch, err}
	}); err != nil {
		return nil, err
	}
	select {
	case s := <-done:
		return s.ch, s.err
	case <-time.After(timeout):
		return nil, common.InvalidState("perf.dial", fmt.Sprintf("no setup callback after %s", timeout))
	}
}

// echoConn is a channel that forwards what it reads to the benchmark worker
type echoConn struct {
	ch       *bootstrap.Channel
	received chan int
	closed   chan error
}

func newEchoConn(ch *bootstrap.Channel) (*echoConn, error) {
	conn := &echoConn{ch: ch, received: make(chan int, 64), closed: make(chan error, 1)}
	err := ch.StartReading(func(data []byte) {
		conn.received <- len(data)
	}, func(err error) {
		conn.closed <- err
	})
	return conn, err
}

// roundTrip writes message and waits until the echo arrived
func (c *echoConn) roundTrip(message []byte, timeout time.Duration) error {
	if err := c.ch.Write(message, nil); err != nil {
		return err
	}

	deadline := time.After(timeout)
	for got := 0; got < len(message); {
		select {
		case n := <-c.received:
			got += n
		case err := <-c.closed:
			return fmt.Errorf("channel closed during roundtrip: %v", err)
		case <-deadline:
			return fmt.Errorf("no echo after %s", timeout)
		}
	}
	return nil
}

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	for _, skip := range perfSkip {
		if test == skip {
			return true
		}
	}
	return false
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, res *result) {
	if res.bench.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(res.bench.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)
	ps := res.timer.Percentiles([]float64{0.5, 0.95, 0.99})

	// Print the formatted result
	fmt.Printf("%-20s%.0f ops/sec\tmean %s\tp50 %s\tp95 %s\tp99 %s\tfailed %d\n",
		test, opsPerSec, time.Duration(res.timer.Mean()), time.Duration(ps[0]), time.Duration(ps[1]), time.Duration(ps[2]), res.failed)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]*result, config *common.ClientConfig, group *elg.EventLoopGroup) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Test", "NsPerOp", "OpsPerSec", "Count", "Failed", "MeanNs", "P50Ns", "P95Ns", "P99Ns", "Skipped",
		"Endpoint", "Transport", "TLS", "Loops", "Workers", "MessageSize",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write test results
	for test, res := range results {
		skipped := res.bench.NsPerOp() == 0
		var nsPerOp, opsPerSec float64
		if !skipped {
			nsPerOp = math.Max(float64(res.bench.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}
		ps := res.timer.Percentiles([]float64{0.5, 0.95, 0.99})

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			fmt.Sprintf("%.0f", opsPerSec),
			strconv.FormatInt(res.timer.Count(), 10),
			strconv.FormatInt(res.failed, 10),
			fmt.Sprintf("%.0f", res.timer.Mean()),
			fmt.Sprintf("%.0f", ps[0]),
			fmt.Sprintf("%.0f", ps[1]),
			fmt.Sprintf("%.0f", ps[2]),
			strconv.FormatBool(skipped),
			config.Endpoints[0],
			config.Transport.Domain,
			strconv.FormatBool(viper.GetBool("tls") || viper.GetString("tls-config") != ""),
			strconv.Itoa(group.LoopCount()),
			strconv.Itoa(perfWorkers),
			strconv.Itoa(perfMessageSize),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
