package model

import (
	"fmt"
	"io"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	CategoryExploit   = "exploit"
	CategoryPayload   = "payload"
	CategoryAuxiliary = "auxiliary"

	FormatArray = "array"
	FormatMap   = "map"

	ServiceModeManual = "manual"
	ServiceModeTimer  = "timer"
	ServiceModeServe  = "serve"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version int     `json:"version" yaml:"version"` // fixed 0 for now
	Console Console `json:"console" yaml:"console"`
	Harvest Harvest `json:"harvest" yaml:"harvest"`
	Service Service `json:"service" yaml:"service"`
}

// Console describes how to spawn the console and how to synchronize with it.
type Console struct {
	Path         string   `json:"path" yaml:"path"`
	Args         []string `json:"args" yaml:"args"`
	Probe        Probe    `json:"probe" yaml:"probe"`
	Settle       string   `json:"settle" yaml:"settle"`               // delay between a command and the probe
	StartupDelay string   `json:"startup_delay" yaml:"startup_delay"` // delay after the banner
}

type Probe struct {
	Command   string `json:"command" yaml:"command"`
	Signature string `json:"signature" yaml:"signature"`
}

type Harvest struct {
	Category  string  `json:"category" yaml:"category"`   // exploit | payload | auxiliary
	Processes int     `json:"processes" yaml:"processes"` // 0 => half of the logical CPUs
	Threads   int     `json:"threads" yaml:"threads"`
	Retries   int     `json:"retries" yaml:"retries"`
	Limit     int     `json:"limit" yaml:"limit"` // 0 => all discovered modules
	Output    string  `json:"output" yaml:"output"`
	Format    string  `json:"format" yaml:"format"` // array | map
	Store     *string `json:"store,omitempty" yaml:"store,omitempty"`
	UploadURL *string `json:"upload_url,omitempty" yaml:"upload_url,omitempty"`
}

type Service struct {
	Mode        string    `json:"mode" yaml:"mode"`
	Verbose     bool      `json:"verbose" yaml:"verbose"`
	JSONLog     bool      `json:"json_log" yaml:"json_log"`
	LogFile     *string   `json:"log_file,omitempty" yaml:"log_file,omitempty"`
	Listen      string    `json:"listen" yaml:"listen"`
	IdleTimeout string    `json:"idle_timeout" yaml:"idle_timeout"`
	Schedule    *Schedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// Schedule for the timer mode, exactly one of the fields must be set.
type Schedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	if err := out.validate(); err != nil {
		return Config{}, err
	}
	return out, nil
}

// DefaultConfig returns the configuration with all schema defaults applied.
func DefaultConfig() Config {
	cfg, err := LoadConfig(strings.NewReader("version: 0\n"))
	if err != nil {
		panic(fmt.Sprintf("default config does not validate: %v", err))
	}
	return cfg
}

func (c Config) validate() error {
	if c.Service.Mode == ServiceModeTimer {
		s := c.Service.Schedule
		if s == nil || (s.Cron == "") == (s.Duration == "") {
			return fmt.Errorf("service.schedule: exactly one of cron or duration is required in %s mode", ServiceModeTimer)
		}
	}
	return nil
}

func (c Console) SettleDuration() time.Duration {
	return schemaDuration(c.Settle)
}

func (c Console) StartupDuration() time.Duration {
	return schemaDuration(c.StartupDelay)
}

func (s Service) IdleDuration() time.Duration {
	return schemaDuration(s.IdleTimeout)
}

// schemaDuration parses values already validated by the schema
func schemaDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
