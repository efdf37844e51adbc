package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/CZERTAINLY/msfharvest/internal/log"
	"github.com/CZERTAINLY/msfharvest/internal/model"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	configName = "msfharvest.yaml"
	configEnv  = "MSFHARVESTCONFIG"
	envPrefix  = "MSFHARVEST"
)

var (
	userConfigPath string // /default/config/path/msfharvest on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	logCloser      io.Closer = io.NopCloser(nil)

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "msfharvest")
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configName+" in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	rootCmd.PersistentFlags().Bool("json-log", true, "log in JSON")
	rootCmd.PersistentFlags().String("log-file", "", "copy logs to a rotated file")

	harvestFlags(harvestCmd)
	harvestFlags(runCmd)
	runCmd.Flags().String("mode", "", "service mode: manual, timer or serve")
	runCmd.Flags().String("listen", "", "address of the HTTP server in serve mode")
	modulesCmd.Flags().String("category", "", "module category: exploit, payload or auxiliary")
	modulesCmd.Flags().Bool("json", false, "print the listing as JSON")
	serveCmd.Flags().String("listen", "", "address of the HTTP server")

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initHarvest

	rootCmd.AddCommand(harvestCmd)
	rootCmd.AddCommand(modulesCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("msfharvest failed", "err", err)
	}
	_ = logCloser.Close()
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "msfharvest",
	Short:        "Tool collecting options of Metasploit modules",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a msfharvest",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("msfharvest: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:     %s\n", configPath)
		}
		fmt.Printf("msfharvest: %s\n", info.Main.Version)
		fmt.Printf("go:         %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:     %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:       %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:      %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initHarvest(cmd *cobra.Command, _ []string) error {
	configPath = lookupConfig(flagConfigFilePath, userConfigPath, ".")

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, configName)
		if err := writeConfig(configPath, config); err != nil {
			return err
		}
	} else {
		var err error
		config, err = readConfig(configPath)
		if err != nil {
			return err
		}
	}

	// flags and MSFHARVEST_* variables have a precedence over config file
	bindFlags(viper.GetViper(), cmd)
	var err error
	config, err = override(viper.GetViper(), config)
	if err != nil {
		return err
	}
	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	logger, closer := log.New(log.Options{
		Verbose:    config.Service.Verbose,
		JSON:       config.Service.JSONLog,
		File:       deref(config.Service.LogFile),
		MaxSizeMB:  100,
		MaxBackups: 3,
	})
	slog.SetDefault(logger)
	logCloser = closer

	slog.Debug("msfharvest run", "configPath", configPath)
	slog.Debug("msfharvest run", "config", config)
	return nil
}

// lookupConfig returns the config file named by the environment, by the
// --config flag or the first one found in dirs. Empty string means there is
// none.
func lookupConfig(flagPath string, dirs ...string) string {
	if envConfig, ok := os.LookupEnv(configEnv); ok {
		return envConfig
	}
	if flagPath != "" {
		return flagPath
	}
	for _, d := range dirs {
		path := filepath.Join(d, configName)
		if exists(path) {
			return path
		}
	}
	return ""
}

func readConfig(path string) (model.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	if err != nil {
		for _, d := range model.CueErrDetails(err) {
			slog.Error(d.String())
		}
		return model.Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func writeConfig(path string, cfg model.Config) error {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
