// Package file reads rendezvous seeds from a file, a glob of files or an
// environment variable. Useful where orchestration drops a seed list on disk.
package file

import (
	"bufio"
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/amirimatin/go-filesync/pkg/discovery"
	"github.com/amirimatin/go-filesync/pkg/discovery/static"
	"github.com/amirimatin/go-filesync/pkg/internal/logutil"
)

// Options configures file/ENV-based discovery.
type Options struct {
	// Path to a file (or glob) with one seed per line or comma-separated
	// lines. Lines starting with '#' are ignored.
	Path string
	// Env names a variable holding CSV seeds; it overrides Path when set.
	Env string
	// Refresh controls cache staleness; if zero, defaults to 5s.
	Refresh time.Duration
	Logger  *log.Logger
}

type impl struct {
	opts  Options
	mu    sync.Mutex
	last  time.Time
	cache []string
}

// New returns a file-backed Discovery. Seeds keep file order; with a glob,
// files are read in lexical order. Repeats are dropped.
func New(opts Options) discovery.Discovery {
	if opts.Refresh <= 0 {
		opts.Refresh = 5 * time.Second
	}
	return &impl{opts: opts}
}

func (d *impl) Seeds(context.Context) []string {
	if d.opts.Env != "" {
		if v := strings.TrimSpace(os.Getenv(d.opts.Env)); v != "" {
			return static.New(static.Parse(v)...).Seeds(context.Background())
		}
	}
	if d.opts.Path == "" {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cache != nil && time.Since(d.last) < d.opts.Refresh {
		return append([]string(nil), d.cache...)
	}
	matches, err := filepath.Glob(d.opts.Path)
	if err != nil || len(matches) == 0 {
		logutil.Warnf(d.opts.Logger, "seed file %s: no match", d.opts.Path)
		return append([]string(nil), d.cache...)
	}
	var seeds []string
	for _, m := range matches {
		s, err := loadFile(m)
		if err != nil {
			logutil.Warnf(d.opts.Logger, "seed file %s: %v", m, err)
			continue
		}
		seeds = append(seeds, s...)
	}
	d.cache = static.New(seeds...).Seeds(context.Background())
	d.last = time.Now()
	return append([]string(nil), d.cache...)
}

func loadFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var seeds []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		seeds = append(seeds, static.Parse(line)...)
	}
	return seeds, s.Err()
}
