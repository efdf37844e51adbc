package harvest

import (
	"fmt"
	"log/slog"

	"github.com/shirou/gopsutil/v3/cpu"
)

// Shard is a contiguous range [Start, End) of modules handled by one thread
// of one process.
type Shard struct {
	Process int
	Thread  int
	Start   int
	End     int
}

func (s Shard) Len() int {
	return s.End - s.Start
}

// Plan splits modules between processes and their threads.
type Plan struct {
	Total     int
	Processes int
	Threads   int
	// Shards are indexed by process and thread
	Shards [][]Shard
}

// NewPlan splits total modules into processes contiguous ranges and every
// range into threads sub ranges. The last thread of a process takes what the
// integer division left over and the last process ends at total, so every
// module belongs to exactly one shard.
func NewPlan(total, processes, threads int) (Plan, error) {
	if total < 0 {
		return Plan{}, fmt.Errorf("negative module count %d", total)
	}
	if processes < 1 || threads < 1 {
		return Plan{}, fmt.Errorf("processes (%d) and threads (%d) must be positive", processes, threads)
	}

	perProcess := total / processes
	perThread := perProcess / threads

	p := Plan{
		Total:     total,
		Processes: processes,
		Threads:   threads,
		Shards:    make([][]Shard, processes),
	}
	for proc := range processes {
		procStart := proc * perProcess
		procEnd := procStart + perProcess
		if proc == processes-1 {
			procEnd = total
		}
		shards := make([]Shard, threads)
		for thr := range threads {
			s := Shard{
				Process: proc,
				Thread:  thr,
				Start:   procStart + thr*perThread,
				End:     procStart + (thr+1)*perThread,
			}
			if thr == threads-1 {
				s.End = procEnd
			}
			shards[thr] = s
		}
		p.Shards[proc] = shards
	}
	return p, nil
}

// ProcessLen returns the number of modules of process proc.
func (p Plan) ProcessLen(proc int) int {
	n := 0
	for _, s := range p.Shards[proc] {
		n += s.Len()
	}
	return n
}

// DefaultProcesses returns half of the logical CPUs, at least one.
func DefaultProcesses() int {
	n, err := cpu.Counts(true)
	if err != nil {
		slog.Warn("counting cpus failed: using one process", "error", err)
		return 1
	}
	return max(1, n/2)
}
