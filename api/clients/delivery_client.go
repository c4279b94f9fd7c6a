package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/omkar-sarwat/Qumail-sub003/api"
	"github.com/omkar-sarwat/Qumail-sub003/interfaces"
)

// DeliveryClient talks to a KME node's Key Delivery API. It is used by the
// admin CLI and by integration tests.
type DeliveryClient struct {
	// ServerAddr is the base URL of the node, e.g. "http://localhost:8080".
	ServerAddr string

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

func (c *DeliveryClient) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (c *DeliveryClient) do(ctx context.Context, method, path string, reqBody, respBody any) error {
	var body io.Reader
	if reqBody != nil {
		payload, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.ServerAddr+path, body)
	if err != nil {
		return err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client().Do(req)
	if err != nil {
		return fmt.Errorf("could not request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errResp api.ErrorResponse
		if jerr := json.NewDecoder(resp.Body).Decode(&errResp); jerr == nil && errResp.Error != "" {
			return fmt.Errorf("%s returned %d (%s): %s", path, resp.StatusCode, errResp.Code, errResp.Error)
		}
		return fmt.Errorf("%s returned %d", path, resp.StatusCode)
	}

	if respBody == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("could not parse response from %s: %w", path, err)
	}
	return nil
}

// RegisterPrincipal registers a principal on the node.
func (c *DeliveryClient) RegisterPrincipal(ctx context.Context, req api.RegisterPrincipalRequest) (interfaces.Principal, error) {
	var p interfaces.Principal
	err := c.do(ctx, http.MethodPost, "/api/v1/principals", req, &p)
	return p, err
}

// Principals lists registered principals.
func (c *DeliveryClient) Principals(ctx context.Context) ([]interfaces.Principal, error) {
	var out []interfaces.Principal
	err := c.do(ctx, http.MethodGet, "/api/v1/principals", nil, &out)
	return out, err
}

// DeactivatePrincipal soft-deactivates a principal.
func (c *DeliveryClient) DeactivatePrincipal(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/principals/"+id, nil, nil)
}

// Status returns the pool summary for a principal.
func (c *DeliveryClient) Status(ctx context.Context, id string) (interfaces.PoolSummary, error) {
	var out interfaces.PoolSummary
	err := c.do(ctx, http.MethodGet, "/api/v1/principals/"+id+"/status", nil, &out)
	return out, err
}

// EncryptionKeys requests keys from target's pool on behalf of requester.
func (c *DeliveryClient) EncryptionKeys(ctx context.Context, target string, req api.EncryptionKeysRequest) (api.KeysResponse, error) {
	var out api.KeysResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/keys/"+target+"/enc_keys", req, &out)
	return out, err
}

// DecryptionKeys retrieves keys by id from owner's own pool.
func (c *DeliveryClient) DecryptionKeys(ctx context.Context, owner string, ids []string) (api.KeysResponse, error) {
	var out api.KeysResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/keys/"+owner+"/dec_keys", api.DecryptionKeysRequest{KeyIDs: ids}, &out)
	return out, err
}

// Sync runs a manual synchronization for a principal's pool.
func (c *DeliveryClient) Sync(ctx context.Context, id string) (interfaces.SyncTicket, error) {
	var out interfaces.SyncTicket
	err := c.do(ctx, http.MethodPost, "/api/v1/principals/"+id+"/sync", struct{}{}, &out)
	return out, err
}

// Tickets lists recent sync tickets for a principal.
func (c *DeliveryClient) Tickets(ctx context.Context, id string) ([]interfaces.SyncTicket, error) {
	var out []interfaces.SyncTicket
	err := c.do(ctx, http.MethodGet, "/api/v1/principals/"+id+"/tickets", nil, &out)
	return out, err
}
