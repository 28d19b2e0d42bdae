// Package discovery tells a starting node where its rendezvous nodes are.
// A node that discovers no seeds bootstraps as the master.
package discovery

import "context"

// Discovery abstracts how seed nodes are provided. Seeds are RPC addresses
// tried in the returned order.
type Discovery interface {
	Seeds(ctx context.Context) []string
}
