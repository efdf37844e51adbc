// Package extract parses the output of the console "show options" command.
//
// The output consists of titled sections, each followed by a table with a
// dashed header row:
//
//	Module options (exploit/windows/wins/ms04_045_wins):
//
//	   Name    Current Setting  Required  Description
//	   ----    ---------------  --------  -----------
//	   RHOSTS                   yes       The target host(s)
//	   RPORT   42               yes       The target port (TCP)
//
//
//	Payload options (windows/meterpreter/reverse_tcp):
//	   ...
//
//	Exploit target:
//
//	   Id  Name
//	   --  ----
//	   0   Windows 2000 English
//
// Table rows are split on runs of two or more spaces. The dashed row tells
// which column a token belongs to, so empty cells and wrapped continuation
// rows are recognized by position.
package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/CZERTAINLY/msfharvest/internal/model"
)

// boundary is a text marker the scanner looks for. Markers with fallbacks
// are tried in order.
type boundary []string

var (
	moduleMarker   = boundary{"Module options ("}
	payloadMarker  = boundary{"Payload options ("}
	payloadClose   = boundary{"):"}
	targetMarker   = boundary{"Exploit target:"}
	targetEnd      = boundary{"\n\n\n\n", "\n\n\n"}
	optionSep      = boundary{" -----------\n", " ----------- "}
	targetSep      = boundary{" ----\n", " ---- \n"}
	trailingSpaces = regexp.MustCompile(`[ \t]+\n`)
	columnSplit    = regexp.MustCompile(`\s{2,}`)
	cellToken      = regexp.MustCompile(`\S+(?: \S+)*`)
)

// find returns the index and the length of the first matching marker.
func (b boundary) find(s string) (int, int) {
	for _, m := range b {
		if i := strings.Index(s, m); i >= 0 {
			return i, len(m)
		}
	}
	return -1, 0
}

// ParseError describes output which does not have the expected shape. The
// console is usually still printing when this happens, so the command is
// worth retrying.
type ParseError struct {
	Reason string
	Input  string
}

func (e *ParseError) Error() string {
	return "parsing options: " + e.Reason
}

// Diagnostic returns the reason together with the offending input.
func (e *ParseError) Diagnostic() string {
	return fmt.Sprintf("%s\ninput (%d bytes):\n%s", e.Reason, len(e.Input), e.Input)
}

type Result struct {
	Payload        string
	Options        []model.Parameter // nil when the module has no option table
	PayloadOptions []model.Parameter
	Targets        []string
}

// Apply copies the result into the record.
func (r Result) Apply(rec *model.ModuleRecord) {
	rec.Payload = r.Payload
	rec.Options = r.Options
	rec.PayloadOptions = r.PayloadOptions
	rec.Target = r.Targets
	if rec.Target == nil {
		rec.Target = []string{}
	}
}

// Parse extracts the sections of an exploit module. The exploit target
// section and its end are required.
func Parse(blob string) (Result, error) {
	return parse(blob, true)
}

// ParseLenient is Parse for modules without an exploit target section, like
// auxiliary or payload modules. A missing target section yields no targets.
func ParseLenient(blob string) (Result, error) {
	return parse(blob, false)
}

func parse(blob string, requireTarget bool) (Result, error) {
	text := normalize(blob)
	perr := func(format string, args ...any) error {
		return &ParseError{Reason: fmt.Sprintf(format, args...), Input: blob}
	}

	var res Result

	targetIdx, targetLen := targetMarker.find(text)
	payloadIdx, payloadLen := payloadMarker.find(text)

	moduleEnd := len(text)
	switch {
	case payloadIdx >= 0:
		moduleEnd = payloadIdx
	case targetIdx >= 0:
		moduleEnd = targetIdx
	}

	if payloadIdx >= 0 {
		rest := text[payloadIdx+payloadLen:]
		closeIdx, closeLen := payloadClose.find(rest)
		if closeIdx < 0 {
			return Result{}, perr("no end of payload name")
		}
		res.Payload = strings.TrimSpace(rest[:closeIdx])

		// the exploit target follows the payload section
		tableStart := payloadIdx + payloadLen + closeIdx + closeLen
		tableEnd := len(text)
		if i, _ := targetMarker.find(text[tableStart:]); i >= 0 {
			tableEnd = tableStart + i
			targetIdx = tableEnd
		} else {
			targetIdx = -1
		}
		opts, err := table(text[tableStart:tableEnd])
		if err != nil {
			return Result{}, perr("payload options: %s", err)
		}
		res.PayloadOptions = opts
	}

	module := text[:moduleEnd]
	if i, l := moduleMarker.find(module); i >= 0 {
		module = module[i+l:]
	}
	opts, err := table(module)
	if err != nil {
		return Result{}, perr("module options: %s", err)
	}
	res.Options = opts

	if targetIdx < 0 {
		if requireTarget {
			return Result{}, perr("no exploit target found")
		}
		return res, nil
	}

	section := text[targetIdx+targetLen:]
	sepIdx, sepLen := targetSep.find(section)
	if sepIdx < 0 {
		return Result{}, perr("no exploit target separator found")
	}
	section = section[sepIdx+sepLen:]
	if endIdx, _ := targetEnd.find(section); endIdx >= 0 {
		section = section[:endIdx]
	} else if requireTarget {
		return Result{}, perr("no end of exploit target found")
	}
	res.Targets = targets(section)
	return res, nil
}

// normalize drops the spaces which batching leaves at the end of lines.
func normalize(blob string) string {
	blob = strings.ReplaceAll(blob, "\r\n", "\n")
	return trailingSpaces.ReplaceAllString(blob, "\n")
}

// table parses an option table found in region. A region without a dashed
// separator has no table and returns nil.
func table(region string) ([]model.Parameter, error) {
	sepIdx, sepLen := optionSep.find(region)
	if sepIdx < 0 {
		return nil, nil
	}
	dashStart := strings.LastIndexByte(region[:sepIdx], '\n') + 1
	dashRow := region[dashStart : sepIdx+len(strings.TrimRight(optionSep[0], "\n"))]
	cols := columns(dashRow)
	if len(cols) != 4 {
		return nil, fmt.Errorf("expected 4 columns, got %d in %q", len(cols), dashRow)
	}

	body := region[sepIdx+sepLen:]
	params := []model.Parameter{}
	var prev *row
	for line := range strings.SplitSeq(body, "\n") {
		if strings.TrimSpace(line) == "" {
			if prev != nil {
				// blank line ends the table
				break
			}
			continue
		}
		r := split(line, cols)
		if r.name == "" && r.required == "" {
			if prev != nil {
				prev.merge(r)
			}
			continue
		}
		if prev != nil {
			params = append(params, prev.parameter())
		}
		prev = &r
	}
	if prev != nil {
		params = append(params, prev.parameter())
	}
	return params, nil
}

type row struct {
	name, value, required, description string
}

// merge appends a wrapped continuation row. Values wrap inside a word and
// are concatenated. Descriptions wrap between words and get a space, except
// after an opening bracket where the console breaks inside a token.
func (r *row) merge(c row) {
	r.value += c.value
	if c.description == "" {
		return
	}
	if r.description == "" || strings.HasSuffix(r.description, "[") || strings.HasSuffix(r.description, "(") {
		r.description += c.description
		return
	}
	r.description += " " + c.description
}

func (r row) parameter() model.Parameter {
	return model.NewParameter(r.name, r.value, r.required, r.description)
}

// columns returns the start offsets of the dash runs.
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

// split tokenizes line on runs of two or more spaces and places every token
// into the column it starts in.
func split(line string, cols []int) row {
	var cells [4][]string
	for _, span := range cellToken.FindAllStringIndex(line, -1) {
		col := 0
		for i, c := range cols {
			if span[0] >= c {
				col = i
			}
		}
		cells[col] = append(cells[col], line[span[0]:span[1]])
	}
	return row{
		name:        strings.Join(cells[0], " "),
		value:       strings.Join(cells[1], " "),
		required:    strings.Join(cells[2], " "),
		description: strings.Join(cells[3], " "),
	}
}

// targets returns the cells of the target table as one flat list.
func targets(section string) []string {
	out := []string{}
	for line := range strings.SplitSeq(section, "\n") {
		for _, tok := range columnSplit.Split(strings.TrimSpace(line), -1) {
			if tok != "" {
				out = append(out, tok)
			}
		}
	}
	return out
}
