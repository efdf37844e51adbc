package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/CZERTAINLY/msfharvest/internal/log"
	"github.com/CZERTAINLY/msfharvest/internal/model"
	"github.com/CZERTAINLY/msfharvest/internal/progress"
	"github.com/CZERTAINLY/msfharvest/internal/report"
	"github.com/CZERTAINLY/msfharvest/internal/service"
	"github.com/CZERTAINLY/msfharvest/internal/store"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys maps flags to config keys. A flag is bound only if the running
// command has it.
var flagKeys = map[string]string{
	"category":   "harvest.category",
	"processes":  "harvest.processes",
	"threads":    "harvest.threads",
	"retries":    "harvest.retries",
	"limit":      "harvest.limit",
	"output":     "harvest.output",
	"format":     "harvest.format",
	"store":      "harvest.store",
	"upload-url": "harvest.upload_url",
	"json-log":   "service.json_log",
	"log-file":   "service.log_file",
	"listen":     "service.listen",
	"mode":       "service.mode",
}

var harvestCmd = &cobra.Command{
	Use:   "harvest [threads_per_process [process_count]]",
	Short: "harvest lists the modules and collects their options into a JSON file",
	Args:  cobra.MaximumNArgs(2),
	RunE:  doHarvest,
}

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "modules prints the modules of a category",
	Args:  cobra.NoArgs,
	RunE:  doModules,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve exposes console sessions over HTTP",
	Args:  cobra.NoArgs,
	RunE:  doServe,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run command reads the configuration and runs the configured service mode",
	Args:  cobra.NoArgs,
	RunE:  doRun,
}

func harvestFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("category", "", "module category: exploit, payload or auxiliary")
	f.Int("processes", 0, "number of console processes, 0 is half of the logical CPUs")
	f.Int("threads", 0, "number of threads per console process")
	f.Int("retries", 0, "attempts to parse the options of a module")
	f.Int("limit", 0, "harvest only the first n modules")
	f.StringP("output", "o", "", "report file, - is standard output")
	f.String("format", "", "report format: array or map")
	f.String("store", "", "sqlite database keeping runs and records")
	f.String("upload-url", "", "URL the report is POSTed to")
	f.Bool("no-progress", false, "do not show progress bars")
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok {
			return
		}
		if err := v.BindPFlag(key, f); err != nil {
			slog.Warn("binding flag failed", "flag", f.Name, "error", err)
		}
	})
}

// override applies config keys set by a flag or an environment variable. The
// result is validated against the schema again.
func override(v *viper.Viper, cfg model.Config) (model.Config, error) {
	h, s := &cfg.Harvest, &cfg.Service
	for _, key := range []string{"harvest.category", "harvest.output", "harvest.format", "service.listen", "service.mode"} {
		if !v.IsSet(key) {
			continue
		}
		val := v.GetString(key)
		switch key {
		case "harvest.category":
			h.Category = val
		case "harvest.output":
			h.Output = val
		case "harvest.format":
			h.Format = val
		case "service.listen":
			s.Listen = val
		case "service.mode":
			s.Mode = val
		}
	}
	for key, dst := range map[string]*int{
		"harvest.processes": &h.Processes,
		"harvest.threads":   &h.Threads,
		"harvest.retries":   &h.Retries,
		"harvest.limit":     &h.Limit,
	} {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	for key, dst := range map[string]**string{
		"harvest.store":      &h.Store,
		"harvest.upload_url": &h.UploadURL,
		"service.log_file":   &s.LogFile,
	} {
		if v.IsSet(key) {
			if val := v.GetString(key); val != "" {
				*dst = &val
			}
		}
	}
	if v.IsSet("service.json_log") {
		s.JSONLog = v.GetBool("service.json_log")
	}
	return revalidate(cfg)
}

// harvestArgs applies positional threads_per_process and process_count.
func harvestArgs(cfg model.Config, args []string) (model.Config, error) {
	dst := []*int{&cfg.Harvest.Threads, &cfg.Harvest.Processes}
	names := []string{"threads_per_process", "process_count"}
	for i, arg := range args {
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 {
			return cfg, fmt.Errorf("%s: expected a positive number, got %q", names[i], arg)
		}
		*dst[i] = n
	}
	return cfg, nil
}

func revalidate(cfg model.Config) (model.Config, error) {
	var buf bytes.Buffer
	if err := yaml.NewEncoder(&buf).Encode(cfg); err != nil {
		return cfg, fmt.Errorf("encoding configuration: %w", err)
	}
	ret, err := model.LoadConfig(&buf)
	if err != nil {
		for _, d := range model.CueErrDetails(err) {
			slog.Error(d.String())
		}
		return cfg, fmt.Errorf("invalid flags or environment: %w", err)
	}
	return ret, nil
}

// pipeline builds the harvest pipeline with the configured report
// destinations and store. The returned func releases them.
func pipeline(ctx context.Context, cfg model.Config, withProgress bool) (*service.Pipeline, func() error, error) {
	var closers []io.Closer
	release := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c.Close())
		}
		return errors.Join(errs...)
	}

	fw, closer, err := report.Open(cfg.Harvest.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("opening report %s: %w", cfg.Harvest.Output, err)
	}
	closers = append(closers, closer)
	var w report.Writer = fw
	if cfg.Harvest.UploadURL != nil {
		hw, err := report.NewHTTPWriter(*cfg.Harvest.UploadURL)
		if err != nil {
			return nil, nil, errors.Join(err, release())
		}
		w = report.Multi{fw, hw}
	}

	p := service.NewPipeline(cfg.Harvest, service.ConsoleOpener(cfg.Console), w)
	if cfg.Harvest.Store != nil {
		db, err := store.InitDB(ctx, *cfg.Harvest.Store)
		if err != nil {
			return nil, nil, errors.Join(err, release())
		}
		closers = append(closers, db)
		p.WithStore(db)
	}
	if withProgress {
		p.WithProgress(progress.NewBar(os.Stderr))
	}
	return p, release, nil
}

func withCmd(ctx context.Context, name string) context.Context {
	return log.ContextAttrs(ctx, slog.Group("msfharvest",
		slog.String("cmd", name),
		slog.Int("pid", os.Getpid()),
	))
}

func doHarvest(cmd *cobra.Command, args []string) (err error) {
	ctx := withCmd(cmd.Context(), "harvest")
	cfg, err := harvestArgs(config, args)
	if err != nil {
		return err
	}
	noProgress, _ := cmd.Flags().GetBool("no-progress")

	p, release, err := pipeline(ctx, cfg, !noProgress)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, release())
	}()

	summary, err := p.Do(ctx)
	if rerr := progress.RenderSummary(os.Stderr, summary); rerr != nil {
		slog.WarnContext(ctx, "rendering summary failed", "error", rerr)
	}
	return err
}

func doModules(cmd *cobra.Command, _ []string) (err error) {
	ctx := withCmd(cmd.Context(), "modules")
	// the listing is printed, the report is never written
	cfg := config
	cfg.Harvest.Output = "-"
	cfg.Harvest.UploadURL = nil

	p, release, err := pipeline(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, release())
	}()

	l, err := p.Discover(ctx)
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if l.Entries == nil {
			return enc.Encode(l.Names)
		}
		return enc.Encode(l.Entries)
	}
	return progress.RenderListing(cmd.OutOrStdout(), l.Entries)
}

func doServe(cmd *cobra.Command, _ []string) (err error) {
	ctx := withCmd(cmd.Context(), "serve")
	p, release, err := pipeline(ctx, config, false)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, release())
	}()
	return service.Serve(ctx, config, p)
}

func doRun(cmd *cobra.Command, _ []string) (err error) {
	ctx := withCmd(cmd.Context(), "run")
	noProgress, _ := cmd.Flags().GetBool("no-progress")
	withProgress := !noProgress && config.Service.Mode == model.ServiceModeManual

	p, release, err := pipeline(ctx, config, withProgress)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, release())
	}()
	return service.Run(ctx, config, p)
}
