package msfharvest_test

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/CZERTAINLY/msfharvest/internal/model"
	"github.com/stretchr/testify/require"
)

var (
	//go:embed testing/*
	testingFS      embed.FS
	msfharvestPath string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")

	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("msfharvest-ci") {
		slog.Error("cannot locate msfharvest-ci binary: run go build -race -cover -covermode=atomic -o msfharvest-ci ./cmd/msfharvest/ first")
		os.Exit(1)
	}

	var err error
	msfharvestPath, err = filepath.Abs("msfharvest-ci")
	if err != nil {
		slog.Error("can't get abspath for msfharvest-ci", "error", err)
		os.Exit(1)
	}
	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for msfharvest-ci", "error", err)
		os.Exit(1)
	}
	err = rmRfMkdirp(coverDir)
	if err != nil {
		slog.Error("can't reset GOCOVERDIR for msfharvest-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}

	err = os.Setenv("GOCOVERDIR", coverDir)
	if err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

const configTmpl = `
version: 0
console:
  path: %q
  args:
    - %q
  settle: 10ms
  startup_delay: 10ms
harvest:
  processes: 2
  threads: 1
  retries: 2
  output: exploits.json
  store: runs.db
service:
  mode: manual
  json_log: true
`

// fakeConsole copies the scripted console to the current directory and
// writes a config using it.
func fakeConsole(t *testing.T) {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	dir := chDir(t)
	script := fixture(t, "testing/msfconsole.sh")
	fixture(t, "testing/listing.txt")
	fixture(t, "testing/options.txt")
	creat(t, "msfharvest.yaml", fmt.Appendf(nil, configTmpl, sh, filepath.Join(dir, script)))
}

func msfharvest(t *testing.T, args ...string) (stdout, stderr bytes.Buffer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	cmd := exec.CommandContext(ctx, msfharvestPath, append(args, "--config", "msfharvest.yaml")...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		t.Logf("%s", stderr.String())
		require.NoError(t, err)
	}
	return
}

var modules = []string{
	"exploit/windows/smb/ms17_010_eternalblue",
	"exploit/unix/ftp/vsftpd_234_backdoor",
	"exploit/multi/http/struts2_rest_xstream",
}

func TestHarvest(t *testing.T) {
	fakeConsole(t)
	_, _ = msfharvest(t, "harvest", "--no-progress")

	b, err := os.ReadFile("exploits.json")
	require.NoError(t, err)
	var records []model.ModuleRecord
	require.NoError(t, json.Unmarshal(b, &records))

	require.Len(t, records, len(modules))
	names := make([]string, len(records))
	for i, r := range records {
		names[i] = r.Name
		require.Equal(t, []string{"0", "Automatic Target"}, r.Target, r.Name)
		require.Len(t, r.Options, 2, r.Name)
		require.Equal(t, "RHOSTS", r.Options[0].Name)
		require.True(t, r.Options[0].Required)
		require.Nil(t, r.Options[0].DefaultValue)
	}
	// processes finish in any order
	require.ElementsMatch(t, modules, names)
	require.FileExists(t, "runs.db")
}

func TestHarvest_Map(t *testing.T) {
	fakeConsole(t)
	// one thread per process and one process
	stdout, _ := msfharvest(t, "harvest", "1", "1", "--format", "map", "--output", "-", "--no-progress")

	var report map[string]struct {
		Options []model.Parameter `json:"options"`
		Target  []string          `json:"target"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
	require.Len(t, report, len(modules))
	for _, name := range modules {
		require.Contains(t, report, name)
		require.Len(t, report[name].Options, 2)
	}
	require.NoFileExists(t, "exploits.json")
}

func TestModules(t *testing.T) {
	fakeConsole(t)
	stdout, _ := msfharvest(t, "modules", "--json")

	var entries []model.ListingEntry
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &entries))
	require.Len(t, entries, len(modules))
	require.Equal(t, "exploit/unix/ftp/vsftpd_234_backdoor", entries[1].Name)
	require.Equal(t, "excellent", entries[1].Rank)
	require.Equal(t, "VSFTPD v2.3.4 Backdoor", entries[1].Description)
}

func TestVersion(t *testing.T) {
	fakeConsole(t)
	stdout, _ := msfharvest(t, "version")
	require.Contains(t, stdout.String(), "msfharvest:")
	require.Contains(t, stdout.String(), "config:")
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func chDir(t *testing.T) string {
	t.Helper()
	tempdir := tmpDir(t)
	t.Chdir(tempdir)
	return tempdir
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	err = f.Sync()
	require.NoError(t, err)
}

func fixture(t *testing.T, inPath string) string {
	t.Helper()
	b, err := testingFS.ReadFile(inPath)
	require.NoError(t, err)
	path := filepath.Base(inPath)
	creat(t, path, b)
	return path
}
