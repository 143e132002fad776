package fetch

import (
	"context"
	"fmt"
	"os"
)

//go:generate mockgen -destination=mocks/mock_fetcher.go -package=mocks github.com/mattjoyce/repobench/internal/fetch Fetcher

// Fetcher clones a remote repository into a local directory.
type Fetcher interface {
	// Fetch clones req.URL into req.Dest, reporting progress to sink.
	// Failures are returned as *CloneError.
	Fetch(ctx context.Context, req Request, sink ProgressSink) error
}

// Request describes one clone.
type Request struct {
	URL        string
	Dest       string
	Credential *Credential
	// Diagnostics receives non-progress output lines. May be nil.
	Diagnostics func(line string)
}

// Phase is the stage of a fetch.
type Phase int

const (
	// Transferring covers the network object transfer.
	Transferring Phase = iota
	// CheckingOut covers materializing files in the worktree.
	CheckingOut
)

func (p Phase) String() string {
	switch p {
	case Transferring:
		return "transferring"
	case CheckingOut:
		return "checking_out"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ProgressEvent is one progress observation. Current and Total count objects
// while Transferring and files while CheckingOut. Bytes is only set while
// Transferring.
type ProgressEvent struct {
	Phase   Phase  `json:"phase"`
	Current uint64 `json:"current"`
	Total   uint64 `json:"total"`
	Bytes   uint64 `json:"bytes,omitempty"`
}

// ProgressSink receives progress events. Each fetch gets its own sink; it
// may be called from a goroutine other than the one that called Fetch.
type ProgressSink interface {
	Progress(ProgressEvent)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(ProgressEvent)

// Progress calls f(ev).
func (f ProgressFunc) Progress(ev ProgressEvent) { f(ev) }

type nullSink struct{}

func (nullSink) Progress(ProgressEvent) {}

// NullSink discards all progress.
var NullSink ProgressSink = nullSink{}

// Credential is an SSH key pair used for authenticated clones.
type Credential struct {
	PrivateKey string
	PublicKey  string
}

// NewKeyPairCredential builds a credential from a private key path. The
// public key is expected next to it with a ".pub" suffix; both must exist.
func NewKeyPairCredential(privateKey string) (*Credential, error) {
	if privateKey == "" {
		return nil, fmt.Errorf("private key path is empty")
	}
	c := &Credential{PrivateKey: privateKey, PublicKey: privateKey + ".pub"}
	for _, p := range []string{c.PrivateKey, c.PublicKey} {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("ssh key: %w", err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("ssh key %s is a directory", p)
		}
	}
	return c, nil
}

func (c *Credential) String() string {
	if c == nil {
		return "anonymous"
	}
	return "ssh-key:" + c.PrivateKey
}
