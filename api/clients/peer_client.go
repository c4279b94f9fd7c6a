// Package clients provides HTTP clients for talking to a KME node: the
// node-to-node peer client used for replication, and a delivery client for
// the admin CLI. Mock implementations for testing live alongside.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/omkar-sarwat/Qumail-sub003/api"
	"github.com/omkar-sarwat/Qumail-sub003/interfaces"
	"github.com/omkar-sarwat/Qumail-sub003/peerresolver"
)

// PeerClient implements interfaces.PeerClient over the paired node's
// /api/kme endpoints. The peer address is either static (PeerAddr) or
// discovered through DNS SRV (SRVName via the resolver); a static address
// wins when both are set.
type PeerClient struct {
	// PeerAddr is the base URL of the paired node, e.g. "http://kme-b:8080".
	PeerAddr string

	// SRVName is the DNS SRV name to resolve when PeerAddr is empty.
	SRVName string

	// Resolver performs SRV lookups; nil uses the default resolver.
	Resolver *peerresolver.Resolver

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

func (p *PeerClient) baseURL() (string, error) {
	if p.PeerAddr != "" {
		return p.PeerAddr, nil
	}
	if p.SRVName == "" {
		return "", fmt.Errorf("no peer address or SRV name configured")
	}
	resolver := p.Resolver
	if resolver == nil {
		resolver = &peerresolver.Resolver{}
	}
	addrs, err := resolver.Resolve(p.SRVName)
	if err != nil {
		return "", fmt.Errorf("could not resolve peer SRV %s: %w", p.SRVName, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("SRV %s resolved to no addresses", p.SRVName)
	}
	return "http://" + addrs[0], nil
}

func (p *PeerClient) client() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (p *PeerClient) post(ctx context.Context, path string, reqBody, respBody any) error {
	base, err := p.baseURL()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client().Do(req)
	if err != nil {
		return fmt.Errorf("could not request peer endpoint %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, rerr := io.ReadAll(resp.Body)
		if rerr != nil {
			return fmt.Errorf("peer endpoint %s returned %d", path, resp.StatusCode)
		}
		return fmt.Errorf("peer endpoint %s returned %d: %s", path, resp.StatusCode, string(bodyBytes))
	}

	if respBody == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("could not parse peer response from %s: %w", path, err)
	}
	return nil
}

// MirrorPrincipal registers a principal on the paired node.
func (p *PeerClient) MirrorPrincipal(ctx context.Context, principal interfaces.Principal) error {
	return p.post(ctx, "/api/kme/principals", principal, nil)
}

// Replicate pushes key records into the paired node's replica pool.
func (p *PeerClient) Replicate(ctx context.Context, owner string, records []interfaces.KeyRecord) error {
	req := api.ReplicateRequest{Owner: owner, Records: records}
	var resp api.ReplicateResponse
	return p.post(ctx, "/api/kme/replicate", req, &resp)
}

// Pull asks the paired node to generate count keys for owner and return
// them for local import.
func (p *PeerClient) Pull(ctx context.Context, owner string, count, size int) ([]interfaces.KeyRecord, error) {
	req := api.PullRequest{Owner: owner, Count: count, Size: size}
	var resp api.PullResponse
	if err := p.post(ctx, "/api/kme/pull", req, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// MockPeerClient implements interfaces.PeerClient for testing. The behavior
// is determined by how the mock is configured in tests.
type MockPeerClient struct {
	mock.Mock
}

func (m *MockPeerClient) MirrorPrincipal(ctx context.Context, p interfaces.Principal) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockPeerClient) Replicate(ctx context.Context, owner string, records []interfaces.KeyRecord) error {
	args := m.Called(ctx, owner, records)
	return args.Error(0)
}

func (m *MockPeerClient) Pull(ctx context.Context, owner string, count, size int) ([]interfaces.KeyRecord, error) {
	args := m.Called(ctx, owner, count, size)
	if recs := args.Get(0); recs != nil {
		return recs.([]interfaces.KeyRecord), args.Error(1)
	}
	return nil, args.Error(1)
}
