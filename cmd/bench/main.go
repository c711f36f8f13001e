package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/i5heu/textrelay/internal/locker"
	"github.com/i5heu/textrelay/internal/testbench"
	"github.com/i5heu/textrelay/pkg/fairrw"
	"github.com/i5heu/textrelay/pkg/textqueue"
)

// BenchmarkResult holds results for one test run.
type BenchmarkResult struct {
	Implementation string  `json:"implementation"`
	NumWriters     int     `json:"num_writers"`
	NumReaders     int     `json:"num_readers"`
	Pushed         int64   `json:"pushed"`
	Popped         int64   `json:"popped"`
	EmptyReads     int64   `json:"empty_reads"`
	TestDuration   string  `json:"test_duration"`  // e.g. "5s"
	ActualElapsed  string  `json:"actual_elapsed"` // measured time
	Throughput     float64 `json:"throughput_sessions_sec"`
	MaxReadWaitNs  int64   `json:"max_read_wait_ns"`
	MaxWriteWaitNs int64   `json:"max_write_wait_ns"`
	Timestamp      int64   `json:"timestamp"`
	GoVersion      string  `json:"go_version"`
}

// SystemInfo holds system information.
type SystemInfo struct {
	NumCPU            int     `json:"num_cpu"`
	TrueCPU           int     `json:"true_cpu,omitempty"`
	SimulatedCPUCount int     `json:"simulated_cpu_count,omitempty"`
	CPUModel          string  `json:"cpu_model,omitempty"`
	CPUSpeedMHz       float64 `json:"cpu_speed_mhz,omitempty"`
	GOARCH            string  `json:"go_arch"`
	TotalMemory       uint64  `json:"total_memory_bytes,omitempty"`
}

// FullReport represents a complete test session.
type FullReport struct {
	SessionTime string            `json:"session_time"`
	SystemInfo  SystemInfo        `json:"system_info"`
	Benchmarks  []BenchmarkResult `json:"benchmarks"`
}

// Implementation represents a lock the relay workload can run on.
type Implementation[L locker.RWLocker] struct {
	name        string
	description string
	pkgName     string
	features    []string
	newLocker   func() L
}

var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).With().Timestamp().Logger()

// outputMarkdownTable loads the JSON file and outputs a Markdown table.
func outputMarkdownTable(jsonFile string) error {
	data, err := os.ReadFile(jsonFile)
	if err != nil {
		return fmt.Errorf("reading JSON file %q: %w", jsonFile, err)
	}
	var sessions []FullReport
	if err := json.Unmarshal(data, &sessions); err != nil {
		return fmt.Errorf("unmarshalling JSON: %w", err)
	}
	if len(sessions) == 0 {
		return fmt.Errorf("no sessions found in %s", jsonFile)
	}
	fmt.Print(markdownTable(sessions[len(sessions)-1]))
	return nil
}

// markdownTable renders one session, fastest implementation first.
func markdownTable(session FullReport) string {
	implMetaMap := make(map[string]Implementation[locker.RWLocker])
	for _, impl := range getImplementations() {
		implMetaMap[impl.name] = impl
	}

	type tableRow struct {
		implementation string
		pkgName        string
		features       string
		concurrency    string
		throughput     float64
		maxReadWait    time.Duration
		maxWriteWait   time.Duration
	}
	var rows []tableRow
	for _, bench := range session.Benchmarks {
		meta := implMetaMap[bench.Implementation]
		rows = append(rows, tableRow{
			implementation: bench.Implementation,
			pkgName:        meta.pkgName,
			features:       strings.Join(meta.features, ", "),
			concurrency:    fmt.Sprintf("%dw/%dr", bench.NumWriters, bench.NumReaders),
			throughput:     bench.Throughput,
			maxReadWait:    time.Duration(bench.MaxReadWaitNs),
			maxWriteWait:   time.Duration(bench.MaxWriteWaitNs),
		})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].throughput > rows[j].throughput
	})

	var b strings.Builder
	b.WriteString("## Last Session Benchmark Summary\n\n")
	b.WriteString("| Implementation           | Package | Features                     | Load    | Throughput (sessions/sec) | Max read wait | Max write wait |\n")
	b.WriteString("|--------------------------|---------|------------------------------|---------|---------------------------|---------------|----------------|\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "| %-24s | %-7s | %-28s | %-7s | %25.0f | %13s | %14s |\n",
			r.implementation, r.pkgName, r.features, r.concurrency, r.throughput,
			r.maxReadWait.Round(time.Microsecond), r.maxWriteWait.Round(time.Microsecond))
	}
	return b.String()
}

func main() {
	// Flags.
	testIterations := flag.Int("iter", 5, "Number of test iterations per concurrency setting")
	cpuMaxFlag := flag.Int("cpu", 0, "If non-zero, test only that GOMAXPROCS value; if 0, test common CPU/vCPU values up to runtime.NumCPU()")
	duration := flag.Duration("duration", 5*time.Second, "Duration of each test run")
	capacity := flag.Int("capacity", 0, "Capacity bound writers check before pushing (0 = unbounded)")
	jsonExport := flag.Bool("json", false, "Export results as JSON to test-results.json")
	highConcurrency := flag.Bool("high-concurrency", false, "Include high concurrency configurations")
	markdownTable := flag.Bool("markdown-table", false, "Output markdown table from test-results.json and exit")
	jsonFileForMarkdown := flag.String("jsonfile", "test-results.json", "Path to JSON file for markdown table")
	progressFlag := flag.Bool("progress", false, "Display a progress bar with ETA")
	flag.Parse()

	if *markdownTable {
		if err := outputMarkdownTable(*jsonFileForMarkdown); err != nil {
			log.Fatal().Err(err).Msg("markdown table")
		}
		return
	}

	cpuSettings := cpuSettingsFor(*cpuMaxFlag, runtime.NumCPU())
	concurrencyConfigs := concurrencyConfigsFor(*highConcurrency, *capacity)

	impls := getImplementations()
	totalTests := len(cpuSettings) * len(concurrencyConfigs) * (*testIterations) * len(impls)

	var bar *progressbar.ProgressBar
	if *progressFlag {
		bar = progressbar.NewOptions(totalTests,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("benchmarking"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionClearOnFinish(),
		)
	}

	var allSessions []FullReport

	// Iterate over the desired GOMAXPROCS settings.
	for _, cpus := range cpuSettings {
		runtime.GOMAXPROCS(cpus)
		sysInfo := gatherSystemInfo()
		sysInfo.NumCPU = cpus
		sysInfo.TrueCPU = runtime.NumCPU()
		sysInfo.SimulatedCPUCount = cpus

		fmt.Printf("\n=============================\n")
		fmt.Printf("GOMAXPROCS = %d\n", cpus)
		fmt.Printf("=============================\n")

		var results []BenchmarkResult

		for _, cfg := range concurrencyConfigs {
			fmt.Printf("  [Concurrency: writers=%d, readers=%d, capacity=%d]\n", cfg.NumWriters, cfg.NumReaders, cfg.Capacity)
			for iteration := 1; iteration <= *testIterations; iteration++ {
				fmt.Printf("    iteration %d/%d\n", iteration, *testIterations)
				for _, impl := range impls {
					runtime.GC()
					res, err := testbench.RunTimedTest(impl.newLocker(), textqueue.New(), cfg, *duration, func(i int) []byte {
						return []byte(strconv.Itoa(i))
					})
					if err != nil {
						log.Error().Err(err).Str("implementation", impl.name).Msg("run failed")
						continue
					}

					throughput := float64(res.Sessions()) / res.Elapsed.Seconds()
					fmt.Printf("    %s => pushed=%d, popped=%d, empty=%d, throughput=%.0f sessions/s, max wait r/w=%v/%v\n",
						impl.name, res.Pushed, res.Popped, res.Empty, throughput,
						res.MaxReadWait.Round(time.Microsecond), res.MaxWriteWait.Round(time.Microsecond))

					if bar != nil {
						_ = bar.Add(1)
					}

					results = append(results, BenchmarkResult{
						Implementation: impl.name,
						NumWriters:     cfg.NumWriters,
						NumReaders:     cfg.NumReaders,
						Pushed:         res.Pushed,
						Popped:         res.Popped,
						EmptyReads:     res.Empty,
						TestDuration:   duration.String(),
						ActualElapsed:  res.Elapsed.String(),
						Throughput:     throughput,
						MaxReadWaitNs:  int64(res.MaxReadWait),
						MaxWriteWaitNs: int64(res.MaxWriteWait),
						Timestamp:      time.Now().Unix(),
						GoVersion:      runtime.Version(),
					})
				}
			}
		}

		allSessions = append(allSessions, FullReport{
			SessionTime: time.Now().Format(time.RFC3339),
			SystemInfo:  sysInfo,
			Benchmarks:  results,
		})
	}

	if bar != nil {
		_ = bar.Finish()
	}

	if *jsonExport {
		const filename = "test-results.json"
		if err := appendSessions(filename, allSessions); err != nil {
			log.Fatal().Err(err).Str("file", filename).Msg("json export")
		}
		fmt.Printf("\nWrote results to %s\n", filename)
	}
}

// cpuSettingsFor picks the GOMAXPROCS values to test.
func cpuSettingsFor(cpuMax, trueCPUs int) []int {
	if cpuMax > 0 {
		return []int{min(cpuMax, trueCPUs)}
	}
	commonCPUs := []int{1, 2, 3, 4, 6, 8, 12, 16, 32, 48, 56, 64, 96, 128, 192, 256, 384, 512}
	var out []int
	for _, v := range commonCPUs {
		if v <= trueCPUs {
			out = append(out, v)
		}
	}
	return out
}

func concurrencyConfigsFor(high bool, capacity int) []testbench.Config {
	configs := []testbench.Config{
		{NumWriters: 1, NumReaders: 4},
		{NumWriters: 4, NumReaders: 4},
		{NumWriters: 8, NumReaders: 2},
	}
	if high {
		configs = append(configs,
			testbench.Config{NumWriters: 16, NumReaders: 64},
			testbench.Config{NumWriters: 64, NumReaders: 16},
			testbench.Config{NumWriters: 128, NumReaders: 128},
		)
	}
	for i := range configs {
		configs[i].Capacity = capacity
	}
	return configs
}

// appendSessions appends to the JSON array in filename, creating it if needed.
func appendSessions(filename string, sessions []FullReport) error {
	var previous []FullReport
	if data, err := os.ReadFile(filename); err == nil && len(data) > 0 {
		if err := json.Unmarshal(data, &previous); err != nil {
			return fmt.Errorf("existing %s: %w", filename, err)
		}
	}
	data, err := json.MarshalIndent(append(previous, sessions...), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}

// gatherSystemInfo collects basic CPU and memory details.
func gatherSystemInfo() SystemInfo {
	var cpuModel string
	var cpuSpeed float64
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		cpuModel = infos[0].ModelName
		cpuSpeed = infos[0].Mhz
	}

	var totalMemory uint64
	if vm, err := mem.VirtualMemory(); err == nil {
		totalMemory = vm.Total
	}

	return SystemInfo{
		NumCPU:      runtime.NumCPU(),
		CPUModel:    cpuModel,
		CPUSpeedMHz: cpuSpeed,
		GOARCH:      runtime.GOARCH,
		TotalMemory: totalMemory,
	}
}

// getImplementations enumerates the locks under test.
func getImplementations() []Implementation[locker.RWLocker] {
	return []Implementation[locker.RWLocker]{
		{
			name:        "FairRWLock",
			pkgName:     "fairrw",
			description: "Batched reader release on writer unlock; new readers queue behind a waiting writer.",
			features:    []string{"Interruptible", "No-Starvation", "Batched-Readers"},
			newLocker: func() locker.RWLocker {
				return fairrw.New(fairrw.WithPolicy(fairrw.PolicyFair))
			},
		},
		{
			name:        "WriterPreferringRWLock",
			pkgName:     "fairrw",
			description: "Writers hand the lock to the next writer; readers can starve under write pressure.",
			features:    []string{"Interruptible", "Writer-Preferring"},
			newLocker: func() locker.RWLocker {
				return fairrw.New(fairrw.WithPolicy(fairrw.PolicyWriterPreferring))
			},
		},
		{
			name:        "sync.RWMutex",
			pkgName:     "sync",
			description: "Standard library baseline; waits cannot be interrupted.",
			features:    []string{"Writer-Preferring"},
			newLocker: func() locker.RWLocker {
				return &locker.SyncRWMutex{}
			},
		},
	}
}
