// internal/clients/identity_client.go
package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"checkoutledger/internal/inventory"
	"checkoutledger/internal/reporting"
)

// IdentityClient resolves opaque holder ids against the identity provider.
type IdentityClient struct {
	baseURL string
	http    *http.Client
}

func NewIdentityClient(baseURL string, timeout time.Duration) *IdentityClient {
	return &IdentityClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *IdentityClient) ResolveHolder(ctx context.Context, holderID string) (*reporting.Holder, error) {
	endpoint := fmt.Sprintf("%s/holders/%s", c.baseURL, url.PathEscape(holderID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity lookup: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("holder %q: %w", holderID, inventory.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("identity lookup: unexpected status code: %d", resp.StatusCode)
	}

	var holder reporting.Holder
	if err := json.NewDecoder(resp.Body).Decode(&holder); err != nil {
		return nil, fmt.Errorf("decode holder: %w", err)
	}
	if holder.ID == "" {
		holder.ID = holderID
	}
	return &holder, nil
}
