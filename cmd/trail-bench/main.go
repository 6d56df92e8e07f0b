// trail-bench is a benchmark and stress test for the trail library.
// It builds a long stereo trail and measures common edits and pyramid work.
package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"runtime"
	"time"

	"github.com/phroun/trail"
)

const (
	sampleRate     = 48000
	channels       = 2
	trackFrames    = 10 * 60 * sampleRate // ten minutes
	writeChunk     = 1 << 16
	smallEditSize  = 480
	mediumEditSize = 48000
	largeEditSize  = 10 * 48000
)

type BenchResult struct {
	Name     string
	Duration time.Duration
	Ops      int
	Extra    string
}

func (r BenchResult) String() string {
	if r.Ops > 0 {
		opsPerSec := float64(r.Ops) / r.Duration.Seconds()
		if r.Extra != "" {
			return fmt.Sprintf("%-40s %12v  (%d ops, %.2f ops/sec) %s", r.Name, r.Duration.Round(time.Millisecond), r.Ops, opsPerSec, r.Extra)
		}
		return fmt.Sprintf("%-40s %12v  (%d ops, %.2f ops/sec)", r.Name, r.Duration.Round(time.Millisecond), r.Ops, opsPerSec)
	}
	if r.Extra != "" {
		return fmt.Sprintf("%-40s %12v  %s", r.Name, r.Duration.Round(time.Millisecond), r.Extra)
	}
	return fmt.Sprintf("%-40s %12v", r.Name, r.Duration.Round(time.Millisecond))
}

func main() {
	fmt.Println("Trail Benchmark and Stress Test")
	fmt.Println("===============================")
	fmt.Printf("Track: %d frames x %d channels at %d Hz\n", trackFrames, channels, sampleRate)
	fmt.Printf("Go version: %s\n", runtime.Version())
	fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
	fmt.Println()

	tmpDir, err := os.MkdirTemp("", "trail-bench-*")
	if err != nil {
		fmt.Printf("Failed to create temp dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(tmpDir)

	opts := trail.OptionsFromEnv()
	opts.TempDir = tmpDir
	store, err := trail.Init(opts)
	if err != nil {
		fmt.Printf("Failed to init store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	t, err := store.NewTrail(trail.TrailOptions{Name: "bench", Channels: channels, Rate: sampleRate})
	if err != nil {
		fmt.Printf("Failed to create trail: %v\n", err)
		os.Exit(1)
	}

	var results []BenchResult

	runBench := func(name string, fn func() BenchResult) {
		fmt.Printf("  %-40s ", name+"...")
		result := fn()
		fmt.Printf("%v\n", result.Duration.Round(time.Millisecond))
		results = append(results, result)
	}

	fmt.Println("Generating track...")
	result := generateTrack(t)
	results = append(results, result)
	fmt.Println(result)
	fmt.Println()

	fmt.Println("Read operations:")
	runBench("Reads (4096 frames)", func() BenchResult { return benchReads(t) })

	log := trail.NewEditLog()
	defer log.Close()

	fmt.Println("\nEdit operations:")
	runBench("Small inserts (10ms x 1000)", func() BenchResult { return benchInserts(t, log, smallEditSize, 1000, "Small inserts (10ms x 1000)") })
	runBench("Small removes (10ms x 1000)", func() BenchResult { return benchRemoves(t, log, smallEditSize, 1000) })
	runBench("Medium inserts (1s x 100)", func() BenchResult { return benchInserts(t, log, mediumEditSize, 100, "Medium inserts (1s x 100)") })
	runBench("Large inserts (10s x 10)", func() BenchResult { return benchInserts(t, log, largeEditSize, 10, "Large inserts (10s x 10)") })

	fmt.Println("\nCopy operations:")
	runBench("Overwrite with blend (1s x 20)", func() BenchResult { return benchCopy(t, log, trail.Overwrite, "Overwrite with blend (1s x 20)") })
	runBench("Mix (1s x 20)", func() BenchResult { return benchCopy(t, log, trail.Mix, "Mix (1s x 20)") })

	fmt.Println("\nUndo/redo operations:")
	runBench("Undo/redo cycles", func() BenchResult { return benchUndoRedo(t, log) })

	fmt.Println("\nPyramid operations:")
	var p *trail.Pyramid
	runBench("Build pyramid", func() BenchResult {
		start := time.Now()
		p, err = store.AttachPyramid(t)
		if err == nil {
			err = p.Wait()
		}
		if err != nil {
			return BenchResult{Name: "Build pyramid", Duration: time.Since(start), Extra: fmt.Sprintf("ERROR: %v", err)}
		}
		return BenchResult{Name: "Build pyramid", Duration: time.Since(start), Extra: fmt.Sprintf("%d tiers", p.Tiers())}
	})
	if p != nil {
		runBench("Inserts with pyramid (1s x 20)", func() BenchResult {
			return benchInserts(t, log, mediumEditSize, 20, "Inserts with pyramid (1s x 20)")
		})
		runBench("Subsample reads", func() BenchResult { return benchSubsample(p) })
	}

	fmt.Println("\n" + "=")
	fmt.Println("SUMMARY")
	fmt.Println("=")
	for _, r := range results {
		fmt.Println(r)
	}

	u := store.Usage()
	fmt.Println()
	fmt.Printf("Temp files: %d, allocated frames: %d, stakes: %d, regions: %d\n",
		u.TempFiles, u.AllocatedFrames, u.Stakes, u.Regions)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	fmt.Printf("Peak heap allocation: %d MB\n", m.HeapSys/(1024*1024))
	fmt.Printf("Total allocations: %d MB\n", m.TotalAlloc/(1024*1024))
}

func generateTrack(t *trail.Trail) BenchResult {
	start := time.Now()

	stake, err := t.Alloc(trail.Span(0, trackFrames))
	if err != nil {
		return BenchResult{Name: "Generate track", Extra: fmt.Sprintf("ERROR: %v", err)}
	}
	buf := makeBuffer(writeChunk)
	for off := int64(0); off < trackFrames; off += writeChunk {
		n := min(int64(writeChunk), trackFrames-off)
		fillTone(buf, off, int(n), 440)
		if _, err := stake.WriteFrames(buf, 0, trail.SpanLen(off, n)); err != nil {
			stake.Dispose()
			return BenchResult{Name: "Generate track", Duration: time.Since(start), Extra: fmt.Sprintf("ERROR: %v", err)}
		}
	}
	if err := t.EditAdd(stake, nil); err != nil {
		stake.Dispose()
		return BenchResult{Name: "Generate track", Duration: time.Since(start), Extra: fmt.Sprintf("ERROR: %v", err)}
	}

	return BenchResult{
		Name:     "Generate track",
		Duration: time.Since(start),
		Extra:    fmt.Sprintf("%d MB of samples", trackFrames*channels*4/(1024*1024)),
	}
}

func benchReads(t *trail.Trail) BenchResult {
	buf := makeBuffer(4096)
	ops := 0
	start := time.Now()

	length := t.Len()
	for i := 0; i < 1000; i++ {
		pos := rand.Int63n(length - 4096)
		if _, err := t.ReadFrames(buf, 0, trail.SpanLen(pos, 4096)); err == nil {
			ops++
		}
	}

	return BenchResult{Name: "Reads (4096 frames)", Duration: time.Since(start), Ops: ops}
}

func benchInserts(t *trail.Trail, log *trail.EditLog, size int64, count int, name string) BenchResult {
	buf := makeBuffer(int(size))
	fillTone(buf, 0, int(size), 880)
	ops := 0
	start := time.Now()

	for i := 0; i < count; i++ {
		pos := rand.Int63n(t.Len())
		stake, err := t.Alloc(trail.SpanLen(pos, size))
		if err != nil {
			break
		}
		if _, err := stake.WriteFrames(buf, 0, stake.Span()); err != nil {
			stake.Dispose()
			break
		}
		if err := t.EditInsert(stake, log); err != nil {
			stake.Dispose()
			break
		}
		ops++
	}

	return BenchResult{Name: name, Duration: time.Since(start), Ops: ops, Extra: fmt.Sprintf("%d stakes", len(t.Stakes()))}
}

func benchRemoves(t *trail.Trail, log *trail.EditLog, size int64, count int) BenchResult {
	ops := 0
	start := time.Now()

	for i := 0; i < count; i++ {
		pos := rand.Int63n(t.Len() - size)
		if err := t.EditRemove(trail.SpanLen(pos, size), log); err == nil {
			ops++
		}
	}

	return BenchResult{Name: "Small removes (10ms x 1000)", Duration: time.Since(start), Ops: ops}
}

func benchCopy(t *trail.Trail, log *trail.EditLog, mode trail.Mode, name string) BenchResult {
	opts := trail.CopyOptions{
		Mode: mode,
		Pre:  trail.NewBlend(480),
		Post: &trail.BlendDescriptor{Length: 480, Curve: trail.EqualPowerBlend},
		Sink: log,
	}
	ops := 0
	start := time.Now()

	for i := 0; i < 20; i++ {
		src := rand.Int63n(t.Len() - mediumEditSize)
		dst := rand.Int63n(t.Len() - mediumEditSize)
		done, err := t.CopyRange(context.Background(), t, trail.SpanLen(src, mediumEditSize), dst, opts)
		if err != nil {
			return BenchResult{Name: name, Duration: time.Since(start), Ops: ops, Extra: fmt.Sprintf("ERROR: %v", err)}
		}
		if done {
			ops++
		}
	}

	return BenchResult{Name: name, Duration: time.Since(start), Ops: ops}
}

func benchUndoRedo(t *trail.Trail, log *trail.EditLog) BenchResult {
	ops := 0
	start := time.Now()

	for i := 0; i < 100 && log.CanUndo(); i++ {
		if _, err := log.Undo(); err != nil {
			break
		}
		ops++
	}
	for log.CanRedo() {
		if _, err := log.Redo(); err != nil {
			break
		}
		ops++
	}

	return BenchResult{Name: "Undo/redo cycles", Duration: time.Since(start), Ops: ops, Extra: fmt.Sprintf("length %d", t.Len())}
}

func benchSubsample(p *trail.Pyramid) BenchResult {
	ops := 0
	start := time.Now()

	length := p.Full().Len()
	for i := 0; i < 200; i++ {
		span := trail.SpanLen(rand.Int63n(length/2), length/2)
		s := p.BestSubsample(span, 1000)
		buf := make([][]float32, s.Channels)
		for ch := range buf {
			buf[ch] = make([]float32, s.Frames)
		}
		if _, err := p.ReadSubsample(s, span, buf, 0); err == nil {
			ops++
		}
	}

	return BenchResult{Name: "Subsample reads", Duration: time.Since(start), Ops: ops}
}

func makeBuffer(n int) [][]float32 {
	buf := make([][]float32, channels)
	for ch := range buf {
		buf[ch] = make([]float32, n)
	}
	return buf
}

func fillTone(buf [][]float32, at int64, n int, hz float64) {
	for i := 0; i < n; i++ {
		v := float32(0.5 * math.Sin(2*math.Pi*hz*float64(at+int64(i))/sampleRate))
		for ch := range buf {
			buf[ch][i] = v
		}
	}
}
