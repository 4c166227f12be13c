// Package engine wraps the external document conversion engine behind the
// Converter capability. Backends register a FactoryFunc by name and are
// selected by engine.driver in the configuration:
//
//	cli     runs the mineru binary against a staged input file
//	remote  forwards the file to another gateway's /file_mineru endpoint
package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ocr-gateway/ocr-gateway/internal/config"
	"github.com/ocr-gateway/ocr-gateway/internal/db/models"
)

var (
	// ErrTimeout is returned when a conversion exceeds its deadline.
	ErrTimeout = errors.New("conversion timed out")
	// ErrUnknownBackend is returned by New for an unregistered driver.
	ErrUnknownBackend = errors.New("unknown engine driver")
	// ErrNoMarkdown is returned when the engine finished without producing a
	// markdown document.
	ErrNoMarkdown = errors.New("engine produced no markdown")
	// ErrInvalidOption marks a rejected backend or lang value.
	ErrInvalidOption = errors.New("invalid conversion option")
)

// Options are the per-request engine settings.
type Options struct {
	Backend string `json:"backend"`
	Lang    string `json:"lang,omitempty"`
	VLMURL  string `json:"vlm_url,omitempty"`
	Formula bool   `json:"formula"`
	Table   bool   `json:"table"`
}

// DefaultOptions returns the options configured for requests that do not
// override them.
func DefaultOptions(cfg *config.EngineConfig) Options {
	return Options{
		Backend: cfg.Backend,
		Lang:    cfg.Lang,
		VLMURL:  cfg.VLMURL,
		Formula: cfg.Formula,
		Table:   cfg.Table,
	}
}

// Validate checks backend and lang against the values the engine accepts.
func (o Options) Validate() error {
	if !slices.Contains(config.ValidEngineBackends, o.Backend) {
		return fmt.Errorf("%w: backend %q must be one of %s", ErrInvalidOption, o.Backend, strings.Join(config.ValidEngineBackends, ", "))
	}
	if o.Lang != "" && !slices.Contains(config.ValidLanguages, o.Lang) {
		return fmt.Errorf("%w: lang %q is not supported", ErrInvalidOption, o.Lang)
	}
	return nil
}

// UsesVLMServer reports whether the backend talks to a VLM server, in which
// case VLMURL is passed through.
func (o Options) UsesVLMServer() bool {
	return strings.HasSuffix(o.Backend, "-http-client")
}

// Caller identifies the client a conversion is performed for. The remote
// backend forwards it upstream.
type Caller struct {
	IP            string
	Authorization string
}

// Task is one conversion request handed to a Converter.
type Task struct {
	// InputPath is a local file holding the PDF.
	InputPath string
	// Filename is the display name; its stem selects the preferred markdown.
	Filename string
	Options  Options
	Caller   Caller
}

// Document is the result of a conversion. Dir is a temporary directory owned
// by the caller, who must call Cleanup once the files have been persisted.
type Document struct {
	Dir      string
	Files    []models.OutputFile
	Markdown models.OutputFile
	Content  string
}

// OutputChars is the number of Unicode code points in the markdown.
func (d *Document) OutputChars() int64 {
	return int64(utf8.RuneCountInString(d.Content))
}

// Cleanup removes the document's temporary directory.
func (d *Document) Cleanup() error {
	if d == nil || d.Dir == "" {
		return nil
	}
	return os.RemoveAll(d.Dir)
}

// Converter turns a PDF into a markdown document plus extracted assets.
type Converter interface {
	Name() string
	Convert(ctx context.Context, task Task) (*Document, error)
}

// FactoryFunc builds a Converter from configuration.
type FactoryFunc func(*config.EngineConfig) (Converter, error)

var factories = make(map[string]FactoryFunc)

// Register registers an engine driver factory
func Register(name string, factory FactoryFunc) {
	factories[name] = factory
}

// New creates the Converter selected by cfg.Driver.
func New(cfg *config.EngineConfig) (Converter, error) {
	factory, ok := factories[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("%w: %s (must be 'cli' or 'remote')", ErrUnknownBackend, cfg.Driver)
	}
	return factory(cfg)
}

// PickMarkdown selects the document's main markdown file: the one named after
// the input's stem if present, otherwise the first .md in path order.
func PickMarkdown(files []models.OutputFile, filename string) (models.OutputFile, bool) {
	want := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename)) + ".md"
	var first *models.OutputFile
	for i := range files {
		f := &files[i]
		if !strings.HasSuffix(f.Name, ".md") {
			continue
		}
		if f.Name == want {
			return *f, true
		}
		if first == nil || f.Path < first.Path {
			first = f
		}
	}
	if first == nil {
		return models.OutputFile{}, false
	}
	return *first, true
}

// collect walks dir and builds the Document for it. Paths in the manifest are
// slash separated and relative to dir.
func collect(dir, filename string) (*Document, error) {
	var files []models.OutputFile
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, models.OutputFile{
			Name: d.Name(),
			Path: filepath.ToSlash(rel),
			Size: info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan engine output: %w", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	md, ok := PickMarkdown(files, filename)
	if !ok {
		return nil, ErrNoMarkdown
	}
	content, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(md.Path)))
	if err != nil {
		return nil, fmt.Errorf("failed to read markdown %s: %w", md.Path, err)
	}
	return &Document{Dir: dir, Files: files, Markdown: md, Content: string(content)}, nil
}

// localPath reports whether a manifest path stays inside the output
// directory.
func localPath(p string) bool {
	return p != "" && !path.IsAbs(p) && filepath.IsLocal(filepath.FromSlash(p))
}
