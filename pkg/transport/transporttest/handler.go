// Package transporttest provides a recording transport.Handler for exercising
// servers and clients without a running node.
package transporttest

import (
	"context"
	"errors"
	"sync"

	"github.com/amirimatin/go-filesync/pkg/repllog"
	"github.com/amirimatin/go-filesync/pkg/store"
	"github.com/amirimatin/go-filesync/pkg/transport"
)

// ErrBoom is returned by every call while Handler.Fail is set.
var ErrBoom = errors.New("transporttest: forced failure")

// Handler keeps files and entries in memory and records what it was sent.
type Handler struct {
	mu       sync.Mutex
	Files    map[string][]byte
	Entries  []repllog.Entry
	Peers    []string
	Time     int64
	Adjusted []int64
	Joined   []string
	Fail     bool
}

func New() *Handler { return &Handler{Files: map[string][]byte{}} }

func (h *Handler) check() error {
	if h.Fail {
		return ErrBoom
	}
	return nil
}

func (h *Handler) SyncFile(_ context.Context, req transport.SyncFileRequest) (transport.FileOpResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return transport.FileOpResponse{}, err
	}
	if req.Path == "" {
		return transport.FileOpResponse{Message: "invalid path"}, nil
	}
	h.Files[req.Path] = append([]byte{}, req.Content...)
	return transport.FileOpResponse{Success: true, Message: "synced"}, nil
}

func (h *Handler) DeleteFile(_ context.Context, req transport.DeleteFileRequest) (transport.FileOpResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return transport.FileOpResponse{}, err
	}
	delete(h.Files, req.Path)
	return transport.FileOpResponse{Success: true, Message: "deleted"}, nil
}

func (h *Handler) ListFiles(context.Context) (transport.ListFilesResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return transport.ListFilesResponse{}, err
	}
	out := transport.ListFilesResponse{Files: []store.File{}}
	for p, c := range h.Files {
		out.Files = append(out.Files, store.File{Path: p, Content: c})
	}
	return out, nil
}

func (h *Handler) Status(context.Context) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return nil, err
	}
	return []byte(`{"id":"fake"}`), nil
}

func (h *Handler) ReplicateEntry(_ context.Context, e repllog.Entry) (transport.Ack, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return transport.Ack{}, err
	}
	h.Entries = append(h.Entries, e)
	return transport.Ack{Success: true}, nil
}

func (h *Handler) GetUpdates(_ context.Context, req transport.UpdatesRequest) (transport.UpdatesResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return transport.UpdatesResponse{}, err
	}
	out := transport.UpdatesResponse{Entries: []repllog.Entry{}}
	for _, e := range h.Entries {
		if e.Seq >= req.FromSeq {
			out.Entries = append(out.Entries, e)
		}
	}
	return out, nil
}

func (h *Handler) Join(_ context.Context, req transport.JoinRequest) (transport.PeerList, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return transport.PeerList{}, err
	}
	h.Joined = append(h.Joined, req.Address)
	h.Peers = append(h.Peers, req.Address)
	return transport.PeerList{Peers: append([]string{}, h.Peers...)}, nil
}

func (h *Handler) PeerExchange(_ context.Context, in transport.PeerList) (transport.PeerList, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return transport.PeerList{}, err
	}
	h.Peers = append(h.Peers, in.Peers...)
	return transport.PeerList{Peers: append([]string{}, h.Peers...)}, nil
}

func (h *Handler) GetTime(context.Context) (transport.TimeResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return transport.TimeResponse{}, err
	}
	return transport.TimeResponse{UnixMillis: h.Time}, nil
}

func (h *Handler) AdjustTime(_ context.Context, req transport.AdjustRequest) (transport.Ack, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return transport.Ack{}, err
	}
	h.Adjusted = append(h.Adjusted, req.OffsetMillis)
	h.Time += req.OffsetMillis
	return transport.Ack{Success: true}, nil
}

// SetFail toggles forced failures.
func (h *Handler) SetFail(v bool) {
	h.mu.Lock()
	h.Fail = v
	h.mu.Unlock()
}

var _ transport.Handler = (*Handler)(nil)
