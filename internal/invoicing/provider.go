package invoicing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// StampResult is the provider's answer to a successful issuance.
type StampResult struct {
	UUID      string    `json:"uuid"`
	Series    string    `json:"series"`
	Folio     string    `json:"folio"`
	StampedAt time.Time `json:"stamped_at"`
}

// CancelResult is the provider's answer to a successful cancellation.
// Acuse is empty while the authority has not acknowledged yet.
type CancelResult struct {
	Acuse string `json:"acuse"`
}

// Provider is the external stamping service. Timeouts and 5xx answers
// surface as ErrProviderUnavailable and may be retried; a 4xx answer is
// a ProviderRejectedError and retrying the same document is pointless.
type Provider interface {
	Issue(ctx context.Context, doc FiscalDocument) (StampResult, error)
	Cancel(ctx context.Context, uuid, reason, substitutionUUID string) (CancelResult, error)
	Status(ctx context.Context) error
}

// ErrProviderUnavailable indicates the provider could not be reached or
// answered with a server error. The caller may retry.
var ErrProviderUnavailable = errors.New("invoicing: stamping provider unavailable")

// ProviderRejectedError indicates the provider refused the document.
type ProviderRejectedError struct {
	StatusCode int
	Detail     string
}

func (e *ProviderRejectedError) Error() string {
	return fmt.Sprintf("invoicing: provider rejected the document (%d): %s", e.StatusCode, e.Detail)
}

// HTTPProvider talks to the stamping service over its JSON API.
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPProvider constructs a provider client with the given timeout.
func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Issue stamps the document.
func (p *HTTPProvider) Issue(ctx context.Context, doc FiscalDocument) (StampResult, error) {
	var result StampResult
	if err := p.post(ctx, "/stamps", doc, &result); err != nil {
		return StampResult{}, err
	}
	return result, nil
}

// Cancel asks the provider to cancel a stamped document.
func (p *HTTPProvider) Cancel(ctx context.Context, uuid, reason, substitutionUUID string) (CancelResult, error) {
	payload := map[string]string{
		"uuid":   uuid,
		"reason": reason,
	}
	if substitutionUUID != "" {
		payload["substitution_uuid"] = substitutionUUID
	}
	var result CancelResult
	if err := p.post(ctx, "/cancellations", payload, &result); err != nil {
		return CancelResult{}, err
	}
	return result, nil
}

// Status checks provider health.
func (p *HTTPProvider) Status(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/health", p.baseURL), nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}
	return nil
}

func (p *HTTPProvider) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		detail := readDetail(resp.Body)
		return &ProviderRejectedError{StatusCode: resp.StatusCode, Detail: detail}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readDetail(r io.Reader) string {
	var body struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return "unspecified"
	}
	if body.Detail != "" {
		return body.Detail
	}
	if body.Message != "" {
		return body.Message
	}
	return "unspecified"
}
