package harvest

import (
	"fmt"
	"sync"

	"github.com/CZERTAINLY/msfharvest/internal/model"
)

// Collector gathers module records of all workers. A module name is accepted
// once, later records of the same name are rejected with model.ErrDuplicate.
type Collector struct {
	mx      sync.Mutex
	index   map[string]int
	records []model.ModuleRecord
}

func NewCollector() *Collector {
	return &Collector{
		index: make(map[string]int),
	}
}

// Add appends records in order. It returns the number of accepted records
// and an error listing the rejected names.
func (c *Collector) Add(records ...model.ModuleRecord) (int, error) {
	c.mx.Lock()
	defer c.mx.Unlock()

	var dups []string
	for _, r := range records {
		if _, ok := c.index[r.Name]; ok {
			dups = append(dups, r.Name)
			continue
		}
		c.index[r.Name] = len(c.records)
		c.records = append(c.records, r)
	}
	if len(dups) > 0 {
		return len(records) - len(dups), fmt.Errorf("%w: %v", model.ErrDuplicate, dups)
	}
	return len(records), nil
}

func (c *Collector) Len() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return len(c.records)
}

// Get returns the record of a module.
func (c *Collector) Get(name string) (model.ModuleRecord, bool) {
	c.mx.Lock()
	defer c.mx.Unlock()
	i, ok := c.index[name]
	if !ok {
		return model.ModuleRecord{}, false
	}
	return c.records[i], true
}

// Records returns a copy of the records in the order they were added.
func (c *Collector) Records() []model.ModuleRecord {
	c.mx.Lock()
	defer c.mx.Unlock()
	ret := make([]model.ModuleRecord, len(c.records))
	copy(ret, c.records)
	return ret
}
