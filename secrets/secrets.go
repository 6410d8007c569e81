// Package secrets is a minimal client for the external secret store: a
// read-only getSecret(name) call against a URI from configuration,
// authenticated by the runtime's ambient managed identity via a plain
// http.Client request rather than a secret-manager SDK.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goaudits/pipeline/errs"
)

type Provider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// HTTPProvider calls a secret-store URI that returns {"value": "..."}.
// The ambient managed identity is expected to be injected by the
// runtime (e.g. a sidecar or metadata-server token already attached
// to outgoing requests); this client carries no password.
type HTTPProvider struct {
	BaseURI string
	HTTP    *http.Client
}

func NewHTTPProvider(baseURI string) *HTTPProvider {
	return &HTTPProvider{
		BaseURI: baseURI,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

type secretResponse struct {
	Value string `json:"value"`
}

func (p *HTTPProvider) GetSecret(ctx context.Context, name string) (string, error) {
	url := fmt.Sprintf("%s/secrets/%s", p.BaseURI, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errs.New(errs.Configuration, err)
	}

	resp, err := p.HTTP.Do(req)
	if err != nil {
		return "", errs.New(errs.Authentication, fmt.Errorf("secret store unreachable: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", errs.New(errs.Authentication, fmt.Errorf("secret store rejected request: status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return "", errs.New(errs.Authentication, fmt.Errorf("secret store returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errs.New(errs.Authentication, err)
	}
	var parsed secretResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", errs.New(errs.Authentication, fmt.Errorf("malformed secret store response: %w", err))
	}
	if parsed.Value == "" {
		return "", errs.New(errs.Authentication, fmt.Errorf("secret %q empty", name))
	}
	return parsed.Value, nil
}
