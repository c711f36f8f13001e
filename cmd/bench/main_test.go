package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/i5heu/textrelay/internal/locker"
	"github.com/i5heu/textrelay/internal/testbench"
	"github.com/i5heu/textrelay/pkg/textqueue"
)

// progressWatchdog monitors progress and fails the test if no progress is made for 15 seconds.
type progressWatchdog struct {
	t            *testing.T
	label        string
	lastProgress atomic.Int64
	done         chan struct{}
}

func newWatchdog(t *testing.T, label string) *progressWatchdog {
	wd := &progressWatchdog{
		t:     t,
		label: label,
		done:  make(chan struct{}),
	}
	wd.lastProgress.Store(time.Now().UnixNano())
	return wd
}

func (wd *progressWatchdog) Start() {
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				last := wd.lastProgress.Load()
				elapsed := time.Since(time.Unix(0, last))
				if elapsed > 15*time.Second {
					wd.t.Errorf("No progress in the last 15 seconds (%s test likely stuck).", wd.label)
					return
				}
			case <-wd.done:
				return
			}
		}
	}()
}

func (wd *progressWatchdog) Progress() {
	wd.lastProgress.Store(time.Now().UnixNano())
}

func (wd *progressWatchdog) Stop() {
	close(wd.done)
}

// getEnvInt reads an integer from an environment variable with a default value.
func getEnvInt(name string, defaultVal int) int {
	if v := os.Getenv(name); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			return i
		}
	}
	return defaultVal
}

// withAllLockers runs fn once per implementation, skipping those that lack
// one of testedFeatures.
func withAllLockers(t *testing.T, testedFeatures []string, fn func(t *testing.T, impl Implementation[locker.RWLocker])) {
	t.Helper()
	for _, impl := range getImplementations() {
		impl := impl
		t.Run(impl.name, func(t *testing.T) {
			for _, feature := range testedFeatures {
				found := false
				for _, implFeature := range impl.features {
					if feature == implFeature {
						found = true
						break
					}
				}
				if !found {
					t.Skipf("Skipping: missing feature %q", feature)
				}
			}
			fn(t, impl)
		})
	}
}

func TestSessionFIFO(t *testing.T) {
	withAllLockers(t, nil, func(t *testing.T, impl Implementation[locker.RWLocker]) {
		l := impl.newLocker()
		q := textqueue.New()
		ctx := context.Background()

		wd := newWatchdog(t, "SessionFIFO")
		wd.Start()
		defer wd.Stop()

		const N = 1024
		for i := 0; i < N; i++ {
			if err := l.Lock(ctx); err != nil {
				t.Fatalf("Lock: %v", err)
			}
			if err := q.Push(ctx, []byte(strconv.Itoa(i))); err != nil {
				t.Fatalf("Push: %v", err)
			}
			l.Unlock()
			wd.Progress()
		}

		for i := 0; i < N; i++ {
			if err := l.RLock(ctx); err != nil {
				t.Fatalf("RLock: %v", err)
			}
			text, ok, err := q.Pop(ctx)
			l.RUnlock()
			if err != nil || !ok {
				t.Fatalf("Pop %d: ok=%v err=%v", i, ok, err)
			}
			if got := text.String(); got != strconv.Itoa(i) {
				t.Fatalf("Expected %d, got %s at index %d", i, got, i)
			}
			text.Release()
			wd.Progress()
		}
	})
}

func TestMutualExclusion(t *testing.T) {
	withAllLockers(t, nil, func(t *testing.T, impl Implementation[locker.RWLocker]) {
		l := impl.newLocker()
		ctx := context.Background()

		wd := newWatchdog(t, "MutualExclusion")
		wd.Start()
		defer wd.Stop()

		iterations := getEnvInt("BENCH_TEST_ITER", 2000)
		const numWriters, numReaders = 4, 8

		var readers, writers atomic.Int32
		var violations atomic.Int64
		var wg sync.WaitGroup
		wg.Add(numWriters + numReaders)

		for i := 0; i < numWriters; i++ {
			go func() {
				defer wg.Done()
				for j := 0; j < iterations; j++ {
					if err := l.Lock(ctx); err != nil {
						t.Errorf("Lock: %v", err)
						return
					}
					if writers.Add(1) != 1 || readers.Load() != 0 {
						violations.Add(1)
					}
					writers.Add(-1)
					l.Unlock()
					wd.Progress()
				}
			}()
		}
		for i := 0; i < numReaders; i++ {
			go func() {
				defer wg.Done()
				for j := 0; j < iterations; j++ {
					if err := l.RLock(ctx); err != nil {
						t.Errorf("RLock: %v", err)
						return
					}
					readers.Add(1)
					if writers.Load() != 0 {
						violations.Add(1)
					}
					readers.Add(-1)
					l.RUnlock()
					wd.Progress()
				}
			}()
		}
		wg.Wait()

		if v := violations.Load(); v != 0 {
			t.Fatalf("Observed %d mutual exclusion violations", v)
		}
	})
}

func TestInterruptibleAcquire(t *testing.T) {
	withAllLockers(t, []string{"Interruptible"}, func(t *testing.T, impl Implementation[locker.RWLocker]) {
		l := impl.newLocker()
		if err := l.Lock(context.Background()); err != nil {
			t.Fatalf("Lock: %v", err)
		}
		defer l.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		if err := l.RLock(ctx); err == nil {
			t.Fatal("Expected RLock to be interrupted while a writer holds the lock")
		}
		if err := l.Lock(ctx); err == nil {
			t.Fatal("Expected Lock to be interrupted while a writer holds the lock")
		}
	})
}

func TestTimedRun(t *testing.T) {
	withAllLockers(t, nil, func(t *testing.T, impl Implementation[locker.RWLocker]) {
		q := textqueue.New()
		res, err := testbench.RunTimedTest(impl.newLocker(), q, testbench.Config{NumWriters: 2, NumReaders: 2}, 100*time.Millisecond, func(i int) []byte {
			return []byte(strconv.Itoa(i))
		})
		if err != nil {
			t.Fatalf("RunTimedTest: %v", err)
		}
		if res.Pushed == 0 {
			t.Fatal("Expected some pushes")
		}
		if res.Pushed-res.Popped != int64(q.Len()) {
			t.Fatalf("Lost texts: pushed=%d popped=%d queued=%d", res.Pushed, res.Popped, q.Len())
		}
	})
}

func TestCPUSettings(t *testing.T) {
	if got := cpuSettingsFor(3, 8); len(got) != 1 || got[0] != 3 {
		t.Fatalf("Expected [3], got %v", got)
	}
	if got := cpuSettingsFor(16, 8); len(got) != 1 || got[0] != 8 {
		t.Fatalf("Expected [8], got %v", got)
	}
	got := cpuSettingsFor(0, 8)
	want := []int{1, 2, 3, 4, 6, 8}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
}

func TestConcurrencyConfigs(t *testing.T) {
	base := concurrencyConfigsFor(false, 7)
	high := concurrencyConfigsFor(true, 0)
	if len(high) <= len(base) {
		t.Fatalf("Expected high concurrency to add configurations, got %d vs %d", len(high), len(base))
	}
	for _, c := range base {
		if c.Capacity != 7 {
			t.Fatalf("Expected capacity 7, got %d", c.Capacity)
		}
	}
}

func TestJSONRoundTripAndMarkdown(t *testing.T) {
	file := filepath.Join(t.TempDir(), "results.json")
	first := FullReport{SessionTime: "first", Benchmarks: []BenchmarkResult{
		{Implementation: "sync.RWMutex", NumWriters: 1, NumReaders: 4, Throughput: 10},
	}}
	second := FullReport{SessionTime: "second", Benchmarks: []BenchmarkResult{
		{Implementation: "sync.RWMutex", NumWriters: 1, NumReaders: 4, Throughput: 10},
		{Implementation: "FairRWLock", NumWriters: 1, NumReaders: 4, Throughput: 20, MaxReadWaitNs: int64(time.Millisecond)},
	}}
	if err := appendSessions(file, []FullReport{first}); err != nil {
		t.Fatal(err)
	}
	if err := appendSessions(file, []FullReport{second}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	var sessions []FullReport
	if err := json.Unmarshal(data, &sessions); err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 || sessions[1].SessionTime != "second" {
		t.Fatalf("Expected two appended sessions, got %+v", sessions)
	}

	table := markdownTable(sessions[1])
	fair := strings.Index(table, "FairRWLock")
	baseline := strings.Index(table, "sync.RWMutex")
	if fair < 0 || baseline < 0 || fair > baseline {
		t.Fatalf("Expected FairRWLock row before sync.RWMutex row:\n%s", table)
	}
	if !strings.Contains(table, "1ms") {
		t.Fatalf("Expected max read wait in table:\n%s", table)
	}
}
