package mech

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/valory-xyz/mechsync/pkg/retry"
	"github.com/valory-xyz/mechsync/pkg/utils"
	"go.uber.org/zap"
)

const (
	// DefaultGateway is the public IPFS gateway used to fetch request payloads.
	DefaultGateway = "https://gateway.autonolas.tech/ipfs/"
	// CIDPrefix turns the raw sha2-256 digest in the event data into a base16 CIDv1.
	CIDPrefix = "f01701220"
)

// ContentResolver fetches the off-chain payload addressed by an event's data.
// Resolution is best effort: failures yield an empty link and nil contents.
type ContentResolver interface {
	Resolve(ctx context.Context, data string) (link string, contents map[string]any)
}

// NoopResolver never resolves anything.
type NoopResolver struct{}

func (NoopResolver) Resolve(context.Context, string) (string, map[string]any) { return "", nil }

// IPFSResolver resolves content through an HTTP IPFS gateway.
type IPFSResolver struct {
	Gateway string
	Client  *http.Client
	Retry   retry.Config
	Logger  *zap.Logger
}

// NewIPFSResolver returns a resolver for gateway with a bounded per-request timeout.
func NewIPFSResolver(gateway string, timeout time.Duration, logger *zap.Logger) *IPFSResolver {
	if !strings.HasSuffix(gateway, "/") {
		gateway += "/"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &IPFSResolver{
		Gateway: gateway,
		Client:  &http.Client{Timeout: timeout},
		Retry:   retry.DefaultConfig(),
		Logger:  logger,
	}
}

// Resolve tries the metadata.json entry first, then the bare CID.
func (r *IPFSResolver) Resolve(ctx context.Context, data string) (string, map[string]any) {
	if data == "" {
		return "", nil
	}
	base := r.Gateway + CIDPrefix + data
	for _, u := range []string{base + "/metadata.json", base} {
		var contents map[string]any
		err := retry.WithBackoff(ctx, r.Retry, r.Logger, "ipfs fetch", func() error {
			var fetchErr error
			contents, fetchErr = r.fetch(ctx, u)
			return fetchErr
		})
		if err == nil {
			return u, contents
		}
		r.Logger.Debug("IPFS content unavailable", zap.String("url", u), zap.Error(err))
	}
	return "", nil
}

func (r *IPFSResolver) fetch(ctx context.Context, u string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = utils.DrainAndClose(resp.Body) }()

	if statusErr := utils.StatusError(resp); statusErr != nil {
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(statusErr)
		}
		return nil, statusErr
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode %s: %w", u, err))
	}
	return out, nil
}
