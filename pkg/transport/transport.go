// Package transport defines the RPC surface between clients, coordinators
// and peers independently of the wire protocol. pkg/transport/grpc and
// pkg/transport/httpjson provide the concrete servers and clients.
package transport

import (
	"context"

	"github.com/amirimatin/go-filesync/pkg/repllog"
	"github.com/amirimatin/go-filesync/pkg/store"
)

// SyncFileRequest asks a coordinator to write path.
type SyncFileRequest struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

// DeleteFileRequest asks a coordinator to delete path.
type DeleteFileRequest struct {
	Path string `json:"path"`
}

// FileOpResponse reports the outcome of SyncFile/DeleteFile. Success is true
// only when every known peer acknowledged the replicated entry.
type FileOpResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ListFilesResponse is a full snapshot of the node's namespace.
type ListFilesResponse struct {
	Files []store.File `json:"files"`
}

// Ack acknowledges ReplicateEntry and AdjustTime.
type Ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// UpdatesRequest pulls every entry with seq >= FromSeq.
type UpdatesRequest struct {
	FromSeq int64 `json:"fromSeq"`
}

type UpdatesResponse struct {
	Entries []repllog.Entry `json:"entries"`
}

// JoinRequest carries the joining node's advertised RPC address.
type JoinRequest struct {
	Address string `json:"address"`
}

// PeerList is both the PeerExchange request and every membership response.
type PeerList struct {
	Peers []string `json:"peers"`
}

type TimeResponse struct {
	UnixMillis int64 `json:"unixMillis"`
}

type AdjustRequest struct {
	OffsetMillis int64 `json:"offsetMillis"`
}

// StatusBlob carries the node status as opaque JSON.
type StatusBlob struct {
	Data []byte `json:"data"`
}

// Handler is the server-side implementation of every RPC. Core failures are
// reported in response fields; a returned error means the call itself failed.
type Handler interface {
	SyncFile(ctx context.Context, req SyncFileRequest) (FileOpResponse, error)
	DeleteFile(ctx context.Context, req DeleteFileRequest) (FileOpResponse, error)
	ListFiles(ctx context.Context) (ListFilesResponse, error)
	Status(ctx context.Context) ([]byte, error)

	ReplicateEntry(ctx context.Context, e repllog.Entry) (Ack, error)
	GetUpdates(ctx context.Context, req UpdatesRequest) (UpdatesResponse, error)

	Join(ctx context.Context, req JoinRequest) (PeerList, error)
	PeerExchange(ctx context.Context, in PeerList) (PeerList, error)

	GetTime(ctx context.Context) (TimeResponse, error)
	AdjustTime(ctx context.Context, req AdjustRequest) (Ack, error)
}

// RPCServer serves a Handler until ctx is done or Stop is called.
type RPCServer interface {
	Start(ctx context.Context, h Handler) error
	Addr() string
	Stop(ctx context.Context) error
}

// PeerClient is what one node calls on another.
type PeerClient interface {
	ReplicateEntry(ctx context.Context, addr string, e repllog.Entry) (Ack, error)
	GetUpdates(ctx context.Context, addr string, req UpdatesRequest) (UpdatesResponse, error)
	Join(ctx context.Context, addr string, req JoinRequest) (PeerList, error)
	PeerExchange(ctx context.Context, addr string, in PeerList) (PeerList, error)
	GetTime(ctx context.Context, addr string) (TimeResponse, error)
	AdjustTime(ctx context.Context, addr string, req AdjustRequest) (Ack, error)
}

// FileClient is what an end-user client (CLI, watcher) calls on a node.
type FileClient interface {
	SyncFile(ctx context.Context, addr string, req SyncFileRequest) (FileOpResponse, error)
	DeleteFile(ctx context.Context, addr string, req DeleteFileRequest) (FileOpResponse, error)
	ListFiles(ctx context.Context, addr string) (ListFilesResponse, error)
	GetStatus(ctx context.Context, addr string) ([]byte, error)
}

// RPCClient is the full client surface implemented by every transport.
type RPCClient interface {
	PeerClient
	FileClient
	Close() error
}
