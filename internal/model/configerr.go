package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// CueErrorDetail is one configuration problem in a form fit for a log.
type CueErrorDetail struct {
	Path    string // harvest.format
	Code    string // unknown_field | missing_required | invalid_enum | conflicting_values | type_mismatch | validation_error
	Message string
	Pos     CueErrorPosition
	Raw     string // message as reported by cue
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

func (c CueErrorDetail) String() string {
	if c.Pos.Filename == "" {
		return c.Message
	}
	return fmt.Sprintf("%s:%d:%d: %s", c.Pos.Filename, c.Pos.Line, c.Pos.Column, c.Message)
}

// rules are tried in order, the first matching one names the problem
var rules = []struct {
	code   string
	re     *regexp.Regexp
	format string // %s is the field name
	enum   bool   // append the allowed values
}{
	{"unknown_field", regexp.MustCompile(`(?i)not allowed|unknown field`), "field %s is not allowed", false},
	{"missing_required", regexp.MustCompile(`(?i)incomplete value`), "field %s is required", false},
	{"invalid_enum", regexp.MustCompile(`(?i)must be one of|expected one of|empty disjunction`), "field %s has invalid value", true},
	{"conflicting_values", regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`), "conflicting values for %s", true},
	{"type_mismatch", regexp.MustCompile(`(?i)expected .* got .*`), "field %s has wrong type or value", false},
}

// CueErrDetails converts an error returned by LoadConfig into human
// readable details. An error which does not come from cue is returned as a
// single detail.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}

	var out []CueErrorDetail
	reported := make(map[CueErrorPosition]bool)
	for _, e := range cueerrors.Errors(err) {
		pos := firstPosition(e)
		if pos.Filename != "" && reported[pos] {
			continue
		}
		reported[pos] = true
		out = append(out, detail(e, pos))
	}

	if len(out) == 0 {
		return []CueErrorDetail{{Code: "validation_error", Message: err.Error(), Raw: err.Error()}}
	}
	return out
}

func detail(e cueerrors.Error, pos CueErrorPosition) CueErrorDetail {
	format, args := e.Msg()
	d := CueErrorDetail{
		Path:    fieldPath(e.Path()),
		Code:    "validation_error",
		Pos:     pos,
		Raw:     fmt.Sprintf(format, args...),
		Message: fmt.Sprintf(format, args...),
	}

	field := d.Path
	if i := strings.LastIndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	for _, r := range rules {
		if !r.re.MatchString(d.Raw) {
			continue
		}
		d.Code = r.code
		d.Message = fmt.Sprintf(r.format, field)
		if r.enum {
			d.Message += choices(d.Path)
		}
		break
	}
	return d
}

// choices describes the values the schema allows at path, empty unless the
// field is a disjunction of strings.
func choices(path string) string {
	v := schema
	if path != "" {
		v = schema.LookupPath(cue.ParsePath(path))
	}
	if !v.Exists() {
		return ""
	}
	op, args := v.Expr()
	if op != cue.OrOp {
		return ""
	}

	var values []string
	for _, a := range args {
		s, err := a.String()
		if err != nil || slices.Contains(values, s) {
			continue
		}
		values = append(values, s)
	}
	if len(values) < 2 {
		return ""
	}

	ret := ": possible values (" + strings.Join(values, ",") + ")"
	if d, ok := v.Default(); ok {
		if s, err := d.String(); err == nil {
			ret += " (default " + s + ")"
		}
	}
	return ret
}

func firstPosition(e cueerrors.Error) CueErrorPosition {
	for _, p := range cueerrors.Positions(e) {
		if p.Filename() != "" {
			return CueErrorPosition{Filename: p.Filename(), Line: p.Line(), Column: p.Column()}
		}
	}
	return CueErrorPosition{}
}

// fieldPath drops the leading definition, #Config.harvest.format is reported
// as harvest.format.
func fieldPath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}
