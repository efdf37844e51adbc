// Package discovery finds module names in console listings.
package discovery

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/CZERTAINLY/msfharvest/internal/model"
	"github.com/acarl005/stripansi"
)

var listCommands = map[string]string{
	model.CategoryExploit:   "show exploits",
	model.CategoryPayload:   "show payloads",
	model.CategoryAuxiliary: "show auxiliary",
}

var patterns = map[string]*regexp.Regexp{}

// listingColumns are # Name Disclosure Date Rank Check Description
const listingColumns = 6

func init() {
	for category := range listCommands {
		patterns[category] = regexp.MustCompile(regexp.QuoteMeta(category) + `/[a-zA-Z0-9_/]+`)
	}
}

// Categories returns the supported module categories.
func Categories() []string {
	ret := make([]string, 0, len(listCommands))
	for c := range listCommands {
		ret = append(ret, c)
	}
	slices.Sort(ret)
	return ret
}

// ListCommand returns the console command which lists modules of category.
func ListCommand(category string) (string, error) {
	cmd, ok := listCommands[category]
	if !ok {
		return "", fmt.Errorf("unsupported category %q", category)
	}
	return cmd, nil
}

// ListModules returns every module name of category found in raw, in order
// of appearance. Names appearing more than once are returned more than once.
func ListModules(raw, category string) []string {
	re, ok := patterns[category]
	if !ok {
		return nil
	}
	return re.FindAllString(raw, -1)
}

// Records builds a name only record for each module.
func Records(names []string) []model.ModuleRecord {
	ret := make([]model.ModuleRecord, len(names))
	for i, name := range names {
		ret[i] = model.ModuleRecord{Name: name}
	}
	return ret
}

// ParseListing parses the table rows of a listing. Column boundaries come
// from the dashed header row. Rows without a module name are skipped.
func ParseListing(raw string) []model.ListingEntry {
	var cols []int
	var ret []model.ListingEntry
	for line := range strings.SplitSeq(stripansi.Strip(raw), "\n") {
		line = strings.TrimRight(line, " \r\t")
		if cols == nil {
			if isDashRow(line) {
				cols = columns(line)
				if len(cols) < listingColumns {
					cols = nil
				}
			}
			continue
		}
		if strings.TrimSpace(line) == "" {
			if len(ret) > 0 {
				cols = nil
			}
			continue
		}
		e := model.ListingEntry{
			Index:          cell(line, cols, 0),
			Name:           cell(line, cols, 1),
			DisclosureDate: cell(line, cols, 2),
			Rank:           cell(line, cols, 3),
			Check:          cell(line, cols, 4),
			Description:    cell(line, cols, 5),
		}
		// target sub rows like `\_ target: Automatic` carry no module name
		if !strings.Contains(e.Name, "/") {
			continue
		}
		ret = append(ret, e)
	}
	return ret
}

func isDashRow(line string) bool {
	t := strings.TrimSpace(line)
	return t != "" && strings.Trim(t, "- ") == ""
}

func columns(dashRow string) []int {
	var cols []int
	inRun := false
	for i, c := range dashRow {
		switch {
		case c == '-' && !inRun:
			cols = append(cols, i)
			inRun = true
		case c != '-':
			inRun = false
		}
	}
	return cols
}

// cell returns column i of line. The last column takes the rest of the line.
func cell(line string, cols []int, i int) string {
	start := cols[i]
	if start >= len(line) {
		return ""
	}
	end := len(line)
	if i < listingColumns-1 && cols[i+1] < end {
		end = cols[i+1]
	}
	return strings.TrimSpace(line[start:end])
}

// Runner runs a console command and returns its output.
type Runner interface {
	RunCommand(ctx context.Context, cmd string) (string, error)
}

// Listing is the result of one discovery.
type Listing struct {
	Category string
	Names    []string
	Entries  []model.ListingEntry
}

// Memo keeps listings already discovered, so a category is listed once per
// memo. The zero value is ready to use.
type Memo struct {
	mx       sync.Mutex
	listings map[string]Listing
}

// Get returns a memoized listing.
func (m *Memo) Get(category string) (Listing, bool) {
	m.mx.Lock()
	defer m.mx.Unlock()
	l, ok := m.listings[category]
	return l, ok
}

func (m *Memo) put(l Listing) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.listings == nil {
		m.listings = make(map[string]Listing)
	}
	m.listings[l.Category] = l
}

// Forget drops the listing of category, the next Discover lists it again.
func (m *Memo) Forget(category string) {
	m.mx.Lock()
	defer m.mx.Unlock()
	delete(m.listings, category)
}

// Discover lists modules of category using the console. A listing already
// in memo is returned without running any command.
func Discover(ctx context.Context, r Runner, memo *Memo, category string) (Listing, error) {
	if l, ok := memo.Get(category); ok {
		return l, nil
	}
	cmd, err := ListCommand(category)
	if err != nil {
		return Listing{}, err
	}
	raw, err := r.RunCommand(ctx, cmd)
	if err != nil {
		return Listing{}, fmt.Errorf("listing %s modules: %w", category, err)
	}
	l := Listing{
		Category: category,
		Names:    ListModules(raw, category),
		Entries:  ParseListing(raw),
	}
	if len(l.Names) == 0 {
		return Listing{}, fmt.Errorf("listing %s modules: %w", category, model.ErrNoMatch)
	}
	memo.put(l)
	return l, nil
}
