package sdkmodule

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"PulseNebula/internal/logger"
)

// ErrLoadFailed is returned when no source produced a valid module.
var ErrLoadFailed = errors.New("sdk module load failed")

// maxModuleSize bounds fetched module bytes.
const maxModuleSize = 16 << 20

// Source produces module bytes.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]byte, error)
}

// HTTPSource fetches a module over HTTP.
type HTTPSource struct {
	URL    string
	Client *http.Client // Client defaults to http.DefaultClient
}

// Name returns the URL.
func (s HTTPSource) Name() string { return s.URL }

// Fetch GETs the module.
func (s HTTPSource) Fetch(ctx context.Context) ([]byte, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s:\n%w", s.URL, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", s.URL, resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxModuleSize))
}

// FileSource reads a module from disk.
type FileSource struct {
	Path string
}

// Name returns the path.
func (s FileSource) Name() string { return s.Path }

// Fetch reads the file.
func (s FileSource) Fetch(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(s.Path)
}

// BytesSource serves in-memory bytes.
type BytesSource struct {
	Label string
	Data  []byte
}

// Name returns the label.
func (s BytesSource) Name() string { return s.Label }

// Fetch returns the bytes.
func (s BytesSource) Fetch(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Data, nil
}

// Loader loads the SDK module at most once, trying sources in order.
type Loader struct {
	sources []Source
	probe   Prober

	mu     sync.Mutex
	module *Module
}

// NewLoader creates a loader over sources. probe is handed to the module
// for gateway checks during Init and may be nil.
func NewLoader(sources []Source, probe Prober) *Loader {
	return &Loader{sources: sources, probe: probe}
}

// Load returns the loaded module, fetching it on first use. The first
// source yielding a valid module wins. Cancellation returns ctx.Err().
func (l *Loader) Load(ctx context.Context) (*Module, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.module != nil {
		return l.module, nil
	}
	if len(l.sources) == 0 {
		return nil, fmt.Errorf("%w: no sources", ErrLoadFailed)
	}

	var errs []error

	for _, src := range l.sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := src.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Debug("sdk source failed", "source", src.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			continue
		}

		mod, err := compile(ctx, data, src.Name(), l.probe)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, ErrInvalidNetwork) {
				return nil, fmt.Errorf("%w: %s:\n%w", ErrLoadFailed, src.Name(), err)
			}
			logger.Debug("sdk source invalid", "source", src.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			continue
		}

		l.module = mod
		logger.Info("sdk module loaded", "source", src.Name())

		return mod, nil
	}

	return nil, fmt.Errorf("%w:\n%w", ErrLoadFailed, errors.Join(errs...))
}

// Loaded returns the module if one is loaded.
func (l *Loader) Loaded() *Module {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.module
}

// Unload closes and forgets the loaded module.
func (l *Loader) Unload(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.module != nil {
		_ = l.module.Close(ctx)
		l.module = nil
	}
}
