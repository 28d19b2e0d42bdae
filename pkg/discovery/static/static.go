package static

import (
	"context"
	"strings"

	"github.com/amirimatin/go-filesync/pkg/discovery"
)

type staticSeeds struct {
	seeds []string
}

func (s *staticSeeds) Seeds(context.Context) []string { return append([]string(nil), s.seeds...) }

// New returns a Discovery that always returns the given seeds in order.
// Blank entries and repeats are dropped.
func New(seeds ...string) discovery.Discovery {
	cleaned := make([]string, 0, len(seeds))
	seen := make(map[string]struct{}, len(seeds))
	for _, v := range seeds {
		v = strings.TrimSpace(v)
		if _, dup := seen[v]; v == "" || dup {
			continue
		}
		seen[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	return &staticSeeds{seeds: cleaned}
}

// Parse converts a comma-separated list into []string seeds.
func Parse(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
