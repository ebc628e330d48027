package timed_disk

import (
	"io"
	"time"

	"github.com/mit-pdos/go-sectorfs/common"
	"github.com/mit-pdos/go-sectorfs/device"
	"github.com/mit-pdos/go-sectorfs/util/stats"
)

type Disk struct {
	d   device.Device
	ops [3]stats.Op
}

func New(d device.Device) *Disk {
	return &Disk{d: d}
}

const (
	readOp int = iota
	writeOp
	barrierOp
)

var ops = []string{"disk.Read", "disk.Write", "disk.Barrier"}

// assert that Disk implements device.Device
var _ device.Device = &Disk{}

func (d *Disk) ReadSector(s common.Sector, b []byte) error {
	defer d.ops[readOp].Record(time.Now())
	return d.d.ReadSector(s, b)
}

func (d *Disk) WriteSector(s common.Sector, b []byte) error {
	defer d.ops[writeOp].Record(time.Now())
	return d.d.WriteSector(s, b)
}

func (d *Disk) Barrier() error {
	defer d.ops[barrierOp].Record(time.Now())
	return d.d.Barrier()
}

func (d *Disk) Size() uint64 {
	return d.d.Size()
}

func (d *Disk) Close() error {
	return d.d.Close()
}

func (d *Disk) Reads() uint32 {
	return d.ops[readOp].Count()
}

func (d *Disk) Writes() uint32 {
	return d.ops[writeOp].Count()
}

func (d *Disk) WriteStats(w io.Writer) {
	stats.WriteTable(ops, d.ops[:], w)
}

func (d *Disk) ResetStats() {
	for i := range d.ops {
		d.ops[i].Reset()
	}
}
