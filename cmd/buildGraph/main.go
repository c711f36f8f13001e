package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"image/color"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// BenchmarkResult mirrors the record cmd/bench writes.
type BenchmarkResult struct {
	Implementation string  `json:"implementation"`
	NumWriters     int     `json:"num_writers"`
	NumReaders     int     `json:"num_readers"`
	Pushed         int64   `json:"pushed"`
	Popped         int64   `json:"popped"`
	EmptyReads     int64   `json:"empty_reads"`
	TestDuration   string  `json:"test_duration"`
	ActualElapsed  string  `json:"actual_elapsed"`
	Throughput     float64 `json:"throughput_sessions_sec"`
	MaxReadWaitNs  int64   `json:"max_read_wait_ns"`
	MaxWriteWaitNs int64   `json:"max_write_wait_ns"`
	Timestamp      int64   `json:"timestamp"`
	GoVersion      string  `json:"go_version"`
}

type SystemInfo struct {
	NumCPU            int `json:"num_cpu"`
	SimulatedCPUCount int `json:"simulated_cpu_count,omitempty"`
}

type FullReport struct {
	SessionTime string            `json:"session_time"`
	SystemInfo  SystemInfo        `json:"system_info"`
	Benchmarks  []BenchmarkResult `json:"benchmarks"`
}

// metric extracts the plotted value from one result; ok is false when the
// result carries nothing to plot.
type metric struct {
	label string
	value func(b BenchmarkResult) (float64, bool)
}

var metrics = map[string]metric{
	"ns-per-session": {
		label: "Time per session",
		value: func(b BenchmarkResult) (float64, bool) {
			dur, err := time.ParseDuration(b.ActualElapsed)
			sessions := b.Pushed + b.Popped + b.EmptyReads
			if err != nil || sessions == 0 {
				return 0, false
			}
			return float64(dur.Nanoseconds()) / float64(sessions), true
		},
	},
	"max-read-wait": {
		label: "Max reader wait",
		value: func(b BenchmarkResult) (float64, bool) {
			return float64(b.MaxReadWaitNs), b.NumReaders > 0
		},
	},
	"max-write-wait": {
		label: "Max writer wait",
		value: func(b BenchmarkResult) (float64, bool) {
			return float64(b.MaxWriteWaitNs), b.NumWriters > 0
		},
	},
}

// concurrencyStats holds "5%-avg-min", median, and "5%-avg-max" for each concurrency level.
type concurrencyStats struct {
	concurrency float64 // replaced with category index
	orig        float64
	min         float64
	median      float64
	max         float64
}

// statsPoints implements XYer and YErrorer, so we can plot lines + error bars.
type statsPoints []concurrencyStats

func (s statsPoints) Len() int                { return len(s) }
func (s statsPoints) XY(i int) (x, y float64) { return s[i].concurrency, s[i].median }
func (s statsPoints) YError(i int) (low, high float64) {
	return s[i].median - s[i].min, s[i].max - s[i].median
}

// categoryTicks implements a categorical X-axis: 0,1,2,... => labels for concurrency.
type categoryTicks struct {
	positions []float64
	labels    []string
}

func (ct categoryTicks) Ticks(min, max float64) []plot.Tick {
	var ticks []plot.Tick
	for i, pos := range ct.positions {
		if pos >= min && pos <= max {
			ticks = append(ticks, plot.Tick{Value: pos, Label: ct.labels[i]})
		}
	}
	return ticks
}

// nsTicks relabels the default ticks as durations.
type nsTicks struct{}

func (nsTicks) Ticks(min, max float64) []plot.Tick {
	ticks := plot.DefaultTicks{}.Ticks(min, max)
	for i := range ticks {
		if ticks[i].Label != "" {
			ticks[i].Label = formatNs(ticks[i].Value)
		}
	}
	return ticks
}

var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).With().Timestamp().Logger()

func main() {
	jsonFile := flag.String("jsonfile", "test-results.json", "Path to JSON file containing test sessions")
	outputPrefix := flag.String("out", "benchmark_graph", "Output graph image filename prefix")
	metricName := flag.String("metric", "ns-per-session", "Plotted value: ns-per-session, max-read-wait or max-write-wait")
	flag.Parse()

	m, ok := metrics[*metricName]
	if !ok {
		log.Fatal().Str("metric", *metricName).Msg("unknown metric")
	}

	data, err := os.ReadFile(*jsonFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", *jsonFile).Msg("reading JSON file")
	}

	var sessions []FullReport
	if err := json.Unmarshal(data, &sessions); err != nil {
		log.Fatal().Err(err).Msg("unmarshalling JSON")
	}

	for cpus, implMap := range collectPoints(sessions, m) {
		p := newPlot(cpus, m, implMap)
		filename := fmt.Sprintf("%s_%s_%d.png", *outputPrefix, *metricName, cpus)
		if err := p.Save(12*vg.Inch, 9*vg.Inch, filename); err != nil {
			log.Error().Err(err).Int("cpus", cpus).Msg("saving plot")
			continue
		}
		fmt.Printf("Graph for %d CPU(s) saved to %s\n", cpus, filename)
	}
}

// collectPoints groups values by CPU count -> implementation -> writers+readers.
func collectPoints(sessions []FullReport, m metric) map[int]map[string]map[float64][]float64 {
	pointsByCPU := make(map[int]map[string]map[float64][]float64)
	for _, session := range sessions {
		cpus := session.SystemInfo.SimulatedCPUCount
		if cpus == 0 {
			cpus = session.SystemInfo.NumCPU
		}
		if _, ok := pointsByCPU[cpus]; !ok {
			pointsByCPU[cpus] = make(map[string]map[float64][]float64)
		}

		for _, b := range session.Benchmarks {
			v, ok := m.value(b)
			if !ok {
				continue
			}
			x := float64(b.NumWriters + b.NumReaders)
			implMap := pointsByCPU[cpus]
			if _, ok := implMap[b.Implementation]; !ok {
				implMap[b.Implementation] = make(map[float64][]float64)
			}
			implMap[b.Implementation][x] = append(implMap[b.Implementation][x], v)
		}
	}
	return pointsByCPU
}

func newPlot(cpus int, m metric, implMap map[string]map[float64][]float64) *plot.Plot {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s (5%%-avg-min / Median / 5%%-avg-max) vs. Concurrency for %d CPU(s)", m.label, cpus)
	p.X.Label.Text = "NumWriters + NumReaders"
	p.Y.Label.Text = m.label
	p.Y.Tick.Marker = nsTicks{}

	// Dark theme.
	p.BackgroundColor = color.RGBA{R: 30, G: 30, B: 30, A: 255}
	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	p.Title.TextStyle.Color = white
	p.X.Label.TextStyle.Color = white
	p.Y.Label.TextStyle.Color = white
	p.X.Color = white
	p.Y.Color = white
	p.X.Tick.Label.Color = white
	p.Y.Tick.Label.Color = white
	p.Legend.Top = true
	p.Legend.Left = true
	p.Legend.TextStyle.Color = white

	p.Add(plotter.NewGrid())

	concurrencySet := make(map[float64]struct{})
	for _, implData := range implMap {
		for conc := range implData {
			concurrencySet[conc] = struct{}{}
		}
	}
	var concValues []float64
	for val := range concurrencySet {
		concValues = append(concValues, val)
	}
	sort.Float64s(concValues)

	concMapping := make(map[float64]float64)
	var positions []float64
	var labels []string
	for i, val := range concValues {
		concMapping[val] = float64(i)
		positions = append(positions, float64(i))
		labels = append(labels, strconv.FormatFloat(val, 'f', -1, 64))
	}
	p.X.Tick.Marker = categoryTicks{positions: positions, labels: labels}

	var implNames []string
	for implName := range implMap {
		implNames = append(implNames, implName)
	}
	sort.Strings(implNames)

	colors := plotutil.SoftColors
	shapes := []draw.GlyphDrawer{
		draw.CircleGlyph{},
		draw.SquareGlyph{},
		draw.TriangleGlyph{},
		draw.CrossGlyph{},
		draw.PlusGlyph{},
	}

	// Slight offset so each implementation is visually separated.
	offsetRange := 0.4
	offsetStep := offsetRange / float64(max(len(implNames), 1))
	startOffset := -offsetRange/2 + offsetStep/2

	for i, impl := range implNames {
		stats := buildStats(implMap[impl])
		if len(stats) == 0 {
			continue
		}
		for j := range stats {
			stats[j].concurrency = concMapping[stats[j].orig] + startOffset + float64(i)*offsetStep
		}
		sort.Slice(stats, func(a, b int) bool {
			return stats[a].concurrency < stats[b].concurrency
		})
		sp := statsPoints(stats)

		line, err := plotter.NewLine(sp)
		if err != nil {
			log.Error().Err(err).Str("implementation", impl).Msg("creating line")
			continue
		}
		line.Color = colors[i%len(colors)]

		points, err := plotter.NewScatter(sp)
		if err != nil {
			log.Error().Err(err).Str("implementation", impl).Msg("creating scatter")
			continue
		}
		points.GlyphStyle.Radius = vg.Points(5)
		points.Color = colors[i%len(colors)]
		points.Shape = shapes[i%len(shapes)]

		yErrBars, err := plotter.NewYErrorBars(sp)
		if err != nil {
			log.Error().Err(err).Str("implementation", impl).Msg("creating error bars")
			continue
		}
		yErrBars.Color = colors[i%len(colors)]

		p.Add(line, points, yErrBars)
		p.Legend.Add(impl, line, points)
	}
	return p
}

// buildStats computes "average of bottom 5%", median, and "average of top 5%".
func buildStats(concurrencyMap map[float64][]float64) []concurrencyStats {
	var out []concurrencyStats
	for x, vals := range concurrencyMap {
		if len(vals) == 0 {
			continue
		}
		sort.Float64s(vals)
		out = append(out, concurrencyStats{
			concurrency: x,
			orig:        x,
			min:         averageOfRange(vals, 0.0, 0.05),
			median:      median(vals),
			max:         averageOfRange(vals, 0.95, 1.0),
		})
	}
	return out
}

// averageOfRange returns the average of sortedVals in [startFrac, endFrac] of its length.
func averageOfRange(sortedVals []float64, startFrac, endFrac float64) float64 {
	n := len(sortedVals)
	if n == 0 {
		return 0
	}
	startIndex := int(float64(n) * startFrac)
	endIndex := min(int(float64(n)*endFrac), n)
	if startIndex >= endIndex {
		// fallback to median if 5% slice is too small
		return median(sortedVals)
	}
	sum := 0.0
	for i := startIndex; i < endIndex; i++ {
		sum += sortedVals[i]
	}
	return sum / float64(endIndex-startIndex)
}

func median(sorted []float64) float64 {
	n := len(sorted)
	mid := n / 2
	if n%2 == 1 {
		return sorted[mid]
	}
	return 0.5 * (sorted[mid-1] + sorted[mid])
}

// formatNs nicely formats a nanoseconds value in ns, µs, ms, or s.
func formatNs(ns float64) string {
	switch {
	case ns < 1e3:
		return fmt.Sprintf("%.0fns", ns)
	case ns < 1e6:
		return fmt.Sprintf("%.1fµs", ns/1e3)
	case ns < 1e9:
		return fmt.Sprintf("%.1fms", ns/1e6)
	default:
		return fmt.Sprintf("%.2fs", ns/1e9)
	}
}
