package model

import "fmt"

// Parameter is one row of an options table printed by the console.
type Parameter struct {
	Name         string  `json:"name"`
	DefaultValue *string `json:"default_value,omitempty"`
	Required     bool    `json:"required"`
	Description  string  `json:"description"`
}

// NewParameter builds a Parameter from the four table columns. Empty default
// means the option has no current setting.
func NewParameter(name, def, required, description string) Parameter {
	p := Parameter{
		Name:        name,
		Required:    required == "yes",
		Description: description,
	}
	if def != "" {
		p.DefaultValue = &def
	}
	return p
}

// ModuleRecord is created with Name only and enriched by the harvest.
type ModuleRecord struct {
	Name           string      `json:"name"`
	Payload        string      `json:"payload"`
	Options        []Parameter `json:"options"`
	PayloadOptions []Parameter `json:"payload_options"`
	Target         []string    `json:"target"`
}

// Enriched reports if the record went through a successful options parse.
func (m ModuleRecord) Enriched() bool {
	return m.Target != nil
}

// ListingEntry is a row of `show exploits` like output.
type ListingEntry struct {
	Index          string `json:"index"`
	Name           string `json:"name"`
	DisclosureDate string `json:"disclosure_date"`
	Rank           string `json:"rank"`
	Check          string `json:"check"`
	Description    string `json:"description"`
}

// ModuleState tracks a module inside a worker.
type ModuleState int

const (
	StatePending ModuleState = iota
	StateSelected
	StateOptionsRequested
	StateParsed
	StateFailed
	StateDeselected
)

func (s ModuleState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSelected:
		return "selected"
	case StateOptionsRequested:
		return "options_requested"
	case StateParsed:
		return "parsed"
	case StateFailed:
		return "failed"
	case StateDeselected:
		return "deselected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
