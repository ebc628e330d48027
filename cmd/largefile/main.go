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

const (
	WSIZE uint64 = 8 * common.SECTORSIZE
	KB    uint64 = 1024
)

func mkdata(sz uint64) []byte {
	data := make([]byte, sz)
	for i := range data {
		data[i] = byte(i % 128)
	}
	return data
}

func largeFile(fsys *fs.Fs, filesize uint64) error {
	data := mkdata(WSIZE)
	start := time.Now()

	s, err := fsys.CreateFile(0)
	if err != nil {
		return err
	}
	ip, err := fsys.Open(s)
	if err != nil {
		return err
	}
	n := filesize / WSIZE
	for j := uint64(0); j < n; j++ {
		if _, err := ip.WriteAt(data, j*WSIZE); err != nil {
			return err
		}
	}
	if ip.Length() != n*WSIZE {
		panic("large")
	}
	elapsed := time.Since(start)
	fmt.Printf("largefile: write %v KB throughput %.2f KB/s\n",
		n*WSIZE/KB, float64(n*WSIZE/KB)/elapsed.Seconds())

	start = time.Now()
	buf := make([]byte, WSIZE)
	for j := uint64(0); j < n; j++ {
		if _, err := ip.ReadAt(buf, j*WSIZE); err != nil {
			return err
		}
	}
	elapsed = time.Since(start)
	fmt.Printf("largefile: read %v KB throughput %.2f KB/s\n",
		n*WSIZE/KB, float64(n*WSIZE/KB)/elapsed.Seconds())

	ip.Remove()
	return ip.Close()
}

func main() {
	var diskfile string
	var raw bool
	var nsectors uint64
	var slots uint64
	var flush time.Duration
	var printStats bool
	var cpuprofile string
	flag.StringVar(&diskfile, "disk", "", "disk image (empty for MemDisk)")
	flag.BoolVar(&raw, "raw", false, "use a sector-exact raw image")
	flag.Uint64Var(&nsectors, "size", common.NBITSECTOR, "size of file system (in sectors)")
	flag.Uint64Var(&slots, "slots", common.CACHESZ, "number of cache slots")
	flag.DurationVar(&flush, "flush", 100*time.Millisecond, "background flush interval (0 to disable)")
	flag.BoolVar(&printStats, "stats", false, "print cache and disk stats")
	flag.Uint64Var(&util.Debug, "debug", 0, "debug level (higher is more verbose)")
	flag.StringVar(&cpuprofile, "cpuprofile", "", "write cpu profile to file")
	flag.Parse()

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

	// leave room for index sectors
	filesize := (sup.NDataSectors() * 9 / 10) * common.SECTORSIZE
	if filesize > common.MaxFileSize() {
		filesize = common.MaxFileSize()
	}
	if err := largeFile(fsys, filesize); err != nil {
		log.Fatal(err)
	}
	if printStats {
		fsys.WriteStats(os.Stdout)
	}
	if err := fsys.Shutdown(); err != nil {
		log.Fatal(err)
	}
	sup.Disk.Close()
}
