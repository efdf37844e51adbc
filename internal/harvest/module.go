package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/CZERTAINLY/msfharvest/internal/extract"
	"github.com/CZERTAINLY/msfharvest/internal/model"
)

const (
	cmdUse     = "use "
	cmdOptions = "show options"
	cmdBack    = "back"
)

// Console runs commands on a console. It is implemented by
// *protocol.Console.
type Console interface {
	RunCommand(ctx context.Context, cmd string) (string, error)
	Clear()
}

// Parser turns the "show options" output into a result.
type Parser func(string) (extract.Result, error)

// ParserFor returns the parser suited to the module category. Only exploits
// print an exploit target section.
func ParserFor(category string) Parser {
	if category == model.CategoryExploit {
		return extract.Parse
	}
	return extract.ParseLenient
}

// Enrich drives one module through use, show options and back. The options
// are requested up to retries times without selecting the module again.
//
// A module whose options never parse ends in model.StateFailed with rec left
// untouched and the last parse error returned. Errors of the console itself
// are returned with the state the module was in when they happened.
func Enrich(ctx context.Context, c Console, parse Parser, retries int, rec *model.ModuleRecord) (model.ModuleState, error) {
	state := model.StatePending
	if _, err := c.RunCommand(ctx, cmdUse+rec.Name); err != nil {
		return state, fmt.Errorf("selecting %s: %w", rec.Name, err)
	}
	state = model.StateSelected
	c.Clear()

	var parseErr error
	for try := range max(1, retries) {
		state = model.StateOptionsRequested
		out, err := c.RunCommand(ctx, cmdOptions)
		if err != nil {
			return state, fmt.Errorf("showing options of %s: %w", rec.Name, err)
		}
		res, err := parse(out)
		if err == nil {
			res.Apply(rec)
			state = model.StateParsed
			parseErr = nil
			break
		}
		parseErr = err
		slog.DebugContext(ctx, "parsing options failed", "module", rec.Name, "try", try+1, "error", err)
	}
	if parseErr != nil {
		state = model.StateFailed
	}

	if _, err := c.RunCommand(ctx, cmdBack); err != nil {
		return state, fmt.Errorf("leaving %s: %w", rec.Name, err)
	}
	c.Clear()

	if parseErr != nil {
		return state, fmt.Errorf("module %s: %w", rec.Name, parseErr)
	}
	return model.StateDeselected, nil
}

// IsParseError reports if err comes from a module output which could not be
// parsed. Other errors mean the console itself failed.
func IsParseError(err error) bool {
	var perr *extract.ParseError
	return errors.As(err, &perr)
}
