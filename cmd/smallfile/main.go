package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"runtime/pprof"
	"time"

	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-sectorfs/common"
	"github.com/mit-pdos/go-sectorfs/fs"
	"github.com/mit-pdos/go-sectorfs/super"
)

func mkdata(sz uint64) []byte {
	data := make([]byte, sz)
	for i := range data {
		data[i] = byte(i % 128)
	}
	return data
}

// smallFile creates a file, writes data to it, reads it back, and
// removes it.
func smallFile(fsys *fs.Fs, data []byte) {
	s, err := fsys.CreateFile(0)
	if err != nil {
		panic(fmt.Errorf("smallfile: create: %w", err))
	}
	ip, err := fsys.Open(s)
	if err != nil {
		panic(fmt.Errorf("smallfile: open: %w", err))
	}
	if n, err := ip.WriteAt(data, 0); err != nil || n != uint64(len(data)) {
		panic(fmt.Errorf("smallfile: write %d: %v", n, err))
	}
	buf := make([]byte, len(data))
	if n, err := ip.ReadAt(buf, 0); err != nil || n != uint64(len(data)) {
		panic(fmt.Errorf("smallfile: read %d: %v", n, err))
	}
	ip.Remove()
	if err := ip.Close(); err != nil {
		panic(fmt.Errorf("smallfile: close: %w", err))
	}
}

func client(fsys *fs.Fs, duration time.Duration) int {
	data := mkdata(100)
	start := time.Now()
	i := 0
	for {
		smallFile(fsys, data)
		i++
		if time.Since(start) >= duration {
			break
		}
	}
	return i
}

func run(fsys *fs.Fs, duration time.Duration, nt int) int {
	count := make(chan int)
	for i := 0; i < nt; i++ {
		go func() {
			count <- client(fsys, duration)
		}()
	}
	n := 0
	for i := 0; i < nt; i++ {
		n += <-count
	}
	return n
}

func main() {
	var duration time.Duration
	var nthread int
	var diskfile string
	var raw bool
	var nsectors uint64
	var slots uint64
	var flush time.Duration
	var printStats bool
	var cpuprofile string
	flag.DurationVar(&duration, "benchtime", 10*time.Second, "time to run each iteration for")
	flag.IntVar(&nthread, "threads", 1, "number of threads to run till")
	flag.StringVar(&diskfile, "disk", "", "disk image (empty for MemDisk)")
	flag.BoolVar(&raw, "raw", false, "use a sector-exact raw image")
	flag.Uint64Var(&nsectors, "size", common.NBITSECTOR, "size of file system (in sectors)")
	flag.Uint64Var(&slots, "slots", common.CACHESZ, "number of cache slots")
	flag.DurationVar(&flush, "flush", 100*time.Millisecond, "background flush interval (0 to disable)")
	flag.BoolVar(&printStats, "stats", false, "print cache and disk stats")
	flag.Uint64Var(&util.Debug, "debug", 0, "debug level (higher is more verbose)")
	flag.StringVar(&cpuprofile, "cpuprofile", "", "write cpu profile to file")
	flag.Parse()
	if nthread < 1 {
		panic("invalid start")
	}

	if cpuprofile != "" {
		f, err := os.Create(cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	var name *string
	if diskfile != "" {
		name = &diskfile
	}
	sup, err := super.MkFsSuper(nsectors, name, raw)
	if err != nil {
		log.Fatal(err)
	}
	fsys, err := fs.Format(sup, fs.Options{CacheSlots: slots, FlushInterval: flush})
	if err != nil {
		log.Fatal(err)
	}

	for nt := 1; nt <= nthread; nt++ {
		// warmup (skip if running for very little time)
		if duration > 500*time.Millisecond {
			run(fsys, 500*time.Millisecond, nt)
		}
		fsys.ResetStats()
		count := run(fsys, duration, nt)
		fmt.Printf("smallfile: %v file/s with %d threads\n",
			float64(count)/duration.Seconds(), nt)
	}
	if printStats {
		fsys.WriteStats(os.Stdout)
	}
	if err := fsys.Shutdown(); err != nil {
		log.Fatal(err)
	}
	sup.Disk.Close()
}
