// Package watcher is the end-user sync client: it mirrors one local directory
// into the cluster under the directory's base name and pulls back what other
// clients wrote. Change detection is polling by size and modification time.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/amirimatin/go-filesync/pkg/internal/logutil"
	"github.com/amirimatin/go-filesync/pkg/store/dirstore"
	"github.com/amirimatin/go-filesync/pkg/transport"
)

// DefaultInterval is the polling period.
const DefaultInterval = time.Second

type Options struct {
	// Addr is the node the client talks to.
	Addr string
	// Dir is the local directory to mirror.
	Dir    string
	Client transport.FileClient
	// Interval between scans; zero selects DefaultInterval.
	Interval time.Duration
	Logger   *log.Logger
}

// Watcher keeps the state of the previous scan: key -> size/mtime fingerprint.
type Watcher struct {
	opts   Options
	local  *dirstore.Dir
	prefix string
	last   map[string]string
}

func New(opts Options) (*Watcher, error) {
	if opts.Addr == "" {
		return nil, errors.New("watcher: empty node address")
	}
	if opts.Client == nil {
		return nil, errors.New("watcher: nil Client")
	}
	fi, err := os.Stat(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("watcher: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("watcher: not a directory: %s", opts.Dir)
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	local, err := dirstore.New(opts.Dir)
	if err != nil {
		return nil, err
	}
	return &Watcher{
		opts:   opts,
		local:  local,
		prefix: filepath.Base(local.Root()) + "/",
		last:   map[string]string{},
	}, nil
}

// Prefix is the cluster namespace prefix for this directory.
func (w *Watcher) Prefix() string { return w.prefix }

// Run performs the initial sync and then polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.InitialSync(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.Poll(ctx); err != nil {
				logutil.Warnf(w.opts.Logger, "poll: %v", err)
			}
		}
	}
}

// InitialSync pulls every remote file under the prefix that does not exist
// locally, then pushes every local file.
func (w *Watcher) InitialSync(ctx context.Context) error {
	remote, err := w.remote(ctx)
	if err != nil {
		return err
	}
	cur, err := w.scan()
	if err != nil {
		return err
	}
	for key, content := range remote {
		if _, ok := cur[key]; ok {
			continue
		}
		if err := w.local.Write(w.rel(key), content); err != nil {
			logutil.Warnf(w.opts.Logger, "pull %s: %v", key, err)
		}
	}
	if cur, err = w.scan(); err != nil {
		return err
	}
	for key := range cur {
		w.push(ctx, key)
	}
	w.last = cur
	return nil
}

// Poll runs one round: push new and modified files, propagate local
// deletions, then apply remote deletions and pull remote additions.
func (w *Watcher) Poll(ctx context.Context) error {
	cur, err := w.scan()
	if err != nil {
		return err
	}
	for key, fp := range cur {
		if prev, seen := w.last[key]; !seen || prev != fp {
			w.push(ctx, key)
		}
	}
	for key := range w.last {
		if _, ok := cur[key]; !ok {
			resp, err := w.opts.Client.DeleteFile(ctx, w.opts.Addr, transport.DeleteFileRequest{Path: key})
			w.report("delete", key, resp, err)
		}
	}

	remote, err := w.remote(ctx)
	if err != nil {
		// Keep pushing next round; remote changes wait until the node answers.
		w.last = cur
		return err
	}
	for key := range w.last {
		if _, onServer := remote[key]; onServer {
			continue
		}
		if _, ok := cur[key]; !ok {
			continue
		}
		if err := w.local.Delete(w.rel(key)); err != nil {
			logutil.Warnf(w.opts.Logger, "local delete %s: %v", key, err)
			continue
		}
		delete(cur, key)
		logutil.Infof(w.opts.Logger, "local delete: %s", key)
	}
	for key, content := range remote {
		if _, ok := cur[key]; ok {
			continue
		}
		if _, deleted := w.last[key]; deleted {
			// deleted locally this round; the server copy is on its way out
			continue
		}
		if err := w.local.Write(w.rel(key), content); err != nil {
			logutil.Warnf(w.opts.Logger, "pull %s: %v", key, err)
			continue
		}
		if fp, err := fingerprint(filepath.Join(w.local.Root(), filepath.FromSlash(w.rel(key)))); err == nil {
			cur[key] = fp
		}
		logutil.Infof(w.opts.Logger, "pulled new: %s", key)
	}
	w.last = cur
	return nil
}

func (w *Watcher) push(ctx context.Context, key string) {
	data, err := os.ReadFile(filepath.Join(w.local.Root(), filepath.FromSlash(w.rel(key))))
	if err != nil {
		logutil.Warnf(w.opts.Logger, "read %s: %v", key, err)
		return
	}
	resp, err := w.opts.Client.SyncFile(ctx, w.opts.Addr, transport.SyncFileRequest{Path: key, Content: data})
	w.report("sync", key, resp, err)
}

func (w *Watcher) report(op, key string, resp transport.FileOpResponse, err error) {
	switch {
	case err != nil:
		logutil.Warnf(w.opts.Logger, "%s %s: %v", op, key, err)
	case !resp.Success:
		logutil.Warnf(w.opts.Logger, "%s %s: %s", op, key, resp.Message)
	default:
		logutil.Infof(w.opts.Logger, "%s %s: %s", op, key, resp.Message)
	}
}

// remote returns the server files under this watcher's prefix.
func (w *Watcher) remote(ctx context.Context) (map[string][]byte, error) {
	resp, err := w.opts.Client.ListFiles(ctx, w.opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	out := make(map[string][]byte, len(resp.Files))
	for _, f := range resp.Files {
		if strings.HasPrefix(f.Path, w.prefix) {
			out[f.Path] = f.Content
		}
	}
	return out, nil
}

// scan fingerprints every regular file under the directory.
func (w *Watcher) scan() (map[string]string, error) {
	out := map[string]string{}
	root := w.local.Root()
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		fp, err := fingerprint(p)
		if err != nil {
			return nil
		}
		out[w.prefix+filepath.ToSlash(rel)] = fp
		return nil
	})
	return out, err
}

func (w *Watcher) rel(key string) string { return strings.TrimPrefix(key, w.prefix) }

func fingerprint(p string) (string, error) {
	fi, err := os.Stat(p)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(fi.Size(), 10) + "_" + strconv.FormatInt(fi.ModTime().UnixNano(), 10), nil
}
