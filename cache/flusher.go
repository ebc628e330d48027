package cache

import (
	"time"

	"github.com/mit-pdos/go-journal/util"
)

// StartFlusher starts a goroutine that writes back dirty sectors every
// interval until StopFlusher or Close.
func (c *Cache) StartFlusher(interval time.Duration) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	if c.stop != nil {
		return
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	util.DPrintf(1, "start flusher every %v\n", interval)
	go c.flusher(interval, c.stop, c.done)
}

func (c *Cache) flusher(interval time.Duration, stop <-chan struct{},
	done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.FlushAll(); err != nil {
				util.DPrintf(0, "flusher: %v\n", err)
			}
		}
	}
}

func (c *Cache) StopFlusher() {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	if c.stop == nil {
		return
	}
	close(c.stop)
	<-c.done
	util.DPrintf(1, "flusher stopped\n")
	c.stop = nil
	c.done = nil
}
