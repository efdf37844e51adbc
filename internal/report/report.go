package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/CZERTAINLY/msfharvest/internal/model"
)

// entry is the value of the map format, the module name is its key
type entry struct {
	Payload        string            `json:"payload"`
	Options        []model.Parameter `json:"options"`
	PayloadOptions []model.Parameter `json:"payload_options"`
	Target         []string          `json:"target"`
}

// Encode renders records as an indented JSON document. FormatArray keeps the
// order of records, FormatMap keys them by module name.
func Encode(records []model.ModuleRecord, format string) ([]byte, error) {
	var v any
	switch format {
	case model.FormatArray, "":
		if records == nil {
			records = []model.ModuleRecord{}
		}
		v = records
	case model.FormatMap:
		m := make(map[string]entry, len(records))
		for _, r := range records {
			m[r.Name] = entry{
				Payload:        r.Payload,
				Options:        r.Options,
				PayloadOptions: r.PayloadOptions,
				Target:         r.Target,
			}
		}
		v = m
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encoding %s report: %w", format, err)
	}
	return buf.Bytes(), nil
}

// Writer stores an encoded report.
type Writer interface {
	Write(ctx context.Context, raw []byte) error
}

// Open returns a writer for path, "-" means standard output. The returned
// closer must be called when the writer is not needed anymore.
func Open(path string) (Writer, io.Closer, error) {
	if path == "-" {
		return NewStreamWriter(os.Stdout), io.NopCloser(nil), nil
	}
	w, err := NewFileWriter(filepath.Dir(path), filepath.Base(path))
	if err != nil {
		return nil, nil, err
	}
	return w, w, nil
}

type StreamWriter struct {
	w io.Writer
}

func NewStreamWriter(w io.Writer) StreamWriter {
	return StreamWriter{w: w}
}

func (s StreamWriter) Write(_ context.Context, raw []byte) error {
	_, err := s.w.Write(raw)
	return err
}

// FileWriter replaces one named file inside a directory. The directory is
// opened as os.Root, so name can not escape it.
type FileWriter struct {
	root *os.Root
	name string
}

func NewFileWriter(dir, name string) (*FileWriter, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("opening report directory: %w", err)
	}
	return &FileWriter{root: root, name: name}, nil
}

// Write creates a temporary file next to the report and renames it, readers
// never see a partial report.
func (w *FileWriter) Write(ctx context.Context, raw []byte) error {
	if w.root == nil {
		return errors.New("report writer already closed")
	}
	tmp := "." + w.name + ".tmp"
	f, err := w.root.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating report: %w", err)
	}
	_, err = f.Write(raw)
	if err != nil {
		return errors.Join(fmt.Errorf("saving report: %w", err), f.Close(), w.root.Remove(tmp))
	}
	if err := f.Close(); err != nil {
		return errors.Join(fmt.Errorf("closing report: %w", err), w.root.Remove(tmp))
	}
	if err := w.root.Rename(tmp, w.name); err != nil {
		return errors.Join(fmt.Errorf("renaming report: %w", err), w.root.Remove(tmp))
	}
	slog.InfoContext(ctx, "report saved", "path", filepath.Join(w.root.Name(), w.name), "bytes", len(raw))
	return nil
}

func (w *FileWriter) Close() error {
	if w.root == nil {
		return errors.New("report writer already closed")
	}
	err := w.root.Close()
	w.root = nil
	return err
}

// Save encodes records and writes them with w.
func Save(ctx context.Context, w Writer, records []model.ModuleRecord, format string) error {
	raw, err := Encode(records, format)
	if err != nil {
		return err
	}
	return w.Write(ctx, raw)
}
