// Package progress renders harvest progress and summaries on a terminal.
package progress

import (
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/CZERTAINLY/msfharvest/internal/harvest"
	"github.com/CZERTAINLY/msfharvest/internal/model"
)

// Bar shows one progress bar for all modules of a harvest.
type Bar struct {
	w      io.Writer
	mx     sync.Mutex
	bar    *pterm.ProgressbarPrinter
	failed int
}

func NewBar(w io.Writer) *Bar {
	return &Bar{w: w}
}

func (b *Bar) Start(plan harvest.Plan) {
	b.mx.Lock()
	defer b.mx.Unlock()
	bar, err := pterm.DefaultProgressbar.
		WithTotal(max(1, plan.Total)).
		WithTitle(fmt.Sprintf("%d processes x %d threads", plan.Processes, plan.Threads)).
		WithWriter(b.w).
		WithRemoveWhenDone(true).
		Start()
	if err != nil {
		return
	}
	b.bar = bar
}

func (b *Bar) Module(_ harvest.Shard, name string, state model.ModuleState) {
	b.mx.Lock()
	defer b.mx.Unlock()
	if state == model.StateFailed {
		b.failed++
	}
	if b.bar == nil {
		return
	}
	b.bar.UpdateTitle(fmt.Sprintf("%s (%d failed)", name, b.failed))
	b.bar.Increment()
}

func (b *Bar) ProcessDone(proc int, err error) {
	if err == nil {
		return
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	pterm.Warning.WithWriter(b.w).Printfln("process %d stopped: %v", proc, err)
}

func (b *Bar) Stop() {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.bar != nil {
		_, _ = b.bar.Stop()
		b.bar = nil
	}
}

// RenderSummary prints summary as a table.
func RenderSummary(w io.Writer, s harvest.Summary) error {
	data := pterm.TableData{
		{"Run", "Category", "Expected", "Processed", "Failed", "Duplicates", "Duration"},
		{
			s.RunID,
			s.Category,
			strconv.Itoa(s.Expected),
			strconv.Itoa(s.Processed),
			strconv.Itoa(s.Failed),
			strconv.Itoa(s.Duplicates),
			s.Duration.Round(time.Millisecond).String(),
		},
	}
	err := pterm.DefaultTable.
		WithHasHeader(true).
		WithBoxed(false).
		WithWriter(w).
		WithData(data).
		Render()
	if err != nil {
		return fmt.Errorf("rendering summary: %w", err)
	}
	return nil
}

// RenderListing prints discovered modules as a table.
func RenderListing(w io.Writer, entries []model.ListingEntry) error {
	if len(entries) == 0 {
		pterm.Warning.WithWriter(w).Println("No modules found.")
		return nil
	}
	data := pterm.TableData{{"#", "Name", "Disclosure Date", "Rank", "Check", "Description"}}
	for _, e := range entries {
		data = append(data, []string{e.Index, e.Name, e.DisclosureDate, e.Rank, e.Check, e.Description})
	}
	err := pterm.DefaultTable.
		WithHasHeader(true).
		WithBoxed(false).
		WithWriter(w).
		WithData(data).
		Render()
	if err != nil {
		return fmt.Errorf("rendering listing: %w", err)
	}
	return nil
}
