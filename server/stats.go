package server

import (
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/dustin/go-humanize"
	"github.com/hako/durafmt"

	"github.com/ocram-io/ocramd/server/dispatch"
	"github.com/ocram-io/ocramd/server/logger"
)

// maxRecordedLatency bounds the histograms. Slower commands are recorded at
// the bound.
const maxRecordedLatency = time.Hour

// commandStats tracks latency and failures per command.
type commandStats struct {
	mu         sync.Mutex
	histograms map[dispatch.Command]*hdrhistogram.Histogram
	failures   map[dispatch.Command]int64
	bytesIn    uint64
}

func newCommandStats() *commandStats {
	return &commandStats{
		histograms: make(map[dispatch.Command]*hdrhistogram.Histogram),
		failures:   make(map[dispatch.Command]int64),
	}
}

// record adds one invocation of cmd that took d and carried n input bytes.
func (c *commandStats) record(cmd dispatch.Command, d time.Duration, n int, err error) {
	if d > maxRecordedLatency {
		d = maxRecordedLatency
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.histograms[cmd]
	if !ok {
		h = hdrhistogram.New(1, int64(maxRecordedLatency/time.Microsecond), 3)
		c.histograms[cmd] = h
	}
	h.RecordValue(int64(d / time.Microsecond))
	if err != nil {
		c.failures[cmd]++
	}
	c.bytesIn += uint64(n)
}

// count returns how many times cmd was recorded.
func (c *commandStats) count(cmd dispatch.Command) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.histograms[cmd]; ok {
		return h.TotalCount()
	}
	return 0
}

func quantile(h *hdrhistogram.Histogram, q float64) *durafmt.Durafmt {
	return durafmt.Parse(time.Duration(h.ValueAtQuantile(q)) * time.Microsecond)
}

// log writes a summary line per command to l.
func (c *commandStats) log(l logger.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmds := make([]dispatch.Command, 0, len(c.histograms))
	for cmd := range c.histograms {
		cmds = append(cmds, cmd)
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i] < cmds[j] })
	for _, cmd := range cmds {
		h := c.histograms[cmd]
		l.Infof("%s: %s calls, %s failed, p50 %s, p99 %s, max %s", cmd,
			humanize.Comma(h.TotalCount()), humanize.Comma(c.failures[cmd]),
			quantile(h, 50), quantile(h, 99),
			durafmt.Parse(time.Duration(h.Max())*time.Microsecond))
	}
	l.Infof("Command input: %s", humanize.IBytes(c.bytesIn))
}
