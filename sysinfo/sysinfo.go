// Package sysinfo is the diagnostic dump and metrics surface described
// in original_source/rtos/kernel/sys_info.c: a human-readable table of
// every task's name, priority, state, stack watermark and CPU ticks,
// produced on demand from the console. The kernel's stack-overflow check
// panics without calling it. It also mirrors the same counters as Prometheus gauges so an
// external poller (the netecho example's diagnostic endpoint) can graph
// them over time.
package sysinfo

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kestrel-rtos/kestrel/fs"
	"github.com/kestrel-rtos/kestrel/kernel"
)

// Pool is anything sysinfo can dump buffer occupancy for; fs.BufferData
// satisfies it directly.
type Pool interface {
	FreeBufferCount() int
	FreeListCount() int
	RxCount() int
	TxCount() int
	WatermarkBuffers() int
	WatermarkLists() int
}

var (
	taskStackWatermark = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kestrel",
		Subsystem: "kernel",
		Name:      "task_stack_watermark_bytes",
		Help:      "Lowest observed free-stack byte count for a task, since last UsageReset.",
	}, []string{"task"})

	taskActiveTicks = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kestrel",
		Subsystem: "kernel",
		Name:      "task_active_ticks_total",
		Help:      "Cumulative scheduler ticks a task has spent running.",
	}, []string{"task"})

	poolFreeBuffers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kestrel",
		Subsystem: "fs",
		Name:      "pool_free_buffers",
		Help:      "Free single buffers remaining in a descriptor's pool.",
	}, []string{"fd"})

	poolWatermarkBuffers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kestrel",
		Subsystem: "fs",
		Name:      "pool_buffer_watermark",
		Help:      "Highest simultaneous in-use buffer count observed for a descriptor's pool.",
	}, []string{"fd"})
)

// Register adds sysinfo's collectors to reg. Call once during boot; the
// netecho example registers against prometheus.DefaultRegisterer.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(taskStackWatermark, taskActiveTicks, poolFreeBuffers, poolWatermarkBuffers)
}

// Sample refreshes every Prometheus collector from the current task
// list and the given named pools. It does not block on anything and is
// safe to call periodically from a low-priority housekeeping task.
func Sample(pools map[string]Pool) {
	for _, t := range kernel.Tasks() {
		taskStackWatermark.WithLabelValues(t.Name).Set(float64(t.StackWatermark()))
		taskActiveTicks.WithLabelValues(t.Name).Set(float64(t.TotalActiveTicks()))
	}
	for name, p := range pools {
		poolFreeBuffers.WithLabelValues(name).Set(float64(p.FreeBufferCount()))
		poolWatermarkBuffers.WithLabelValues(name).Set(float64(p.WatermarkBuffers()))
	}
}

// Dump renders the task table and pool occupancy to w in the original
// firmware's column layout (name, priority, state, stack watermark,
// active ticks), using a tabwriter in place of the original's manual
// fixed-width printf columns.
func Dump(w io.Writer, pools map[string]Pool) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "TASK\tPRIO\tSTATE\tSTACK WATERMARK\tACTIVE TICKS")
	for _, t := range kernel.Tasks() {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%d\n",
			t.Name, t.Priority, t.State(), t.StackWatermark(), t.TotalActiveTicks())
	}
	tw.Flush()

	if len(pools) == 0 {
		return
	}

	fmt.Fprintln(w)
	tw2 := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw2, "POOL\tFREE BUFS\tFREE LISTS\tRX\tTX\tBUF WATERMARK\tLIST WATERMARK")
	for name, p := range pools {
		fmt.Fprintf(tw2, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			name, p.FreeBufferCount(), p.FreeListCount(), p.RxCount(), p.TxCount(),
			p.WatermarkBuffers(), p.WatermarkLists())
	}
	tw2.Flush()
}

// DumpFD is a convenience ioctl-style handler: sysinfo is wired onto a
// `\console` descriptor so a connected terminal can request the dump
// on demand (original_source's sys_info console command), without
// sysinfo needing to know about fs.Ops itself.
func DumpFD(w io.Writer, fd *fs.FD, label string) {
	Dump(w, map[string]Pool{label: fd.Pool()})
}
