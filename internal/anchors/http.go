package anchors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPConfig configures an HTTPAnchor.
type HTTPConfig struct {
	// Endpoint receives a POST of the JSON request.
	Endpoint string
	// Token, when set, is sent as a bearer token.
	Token   string
	Timeout time.Duration
	Client  *http.Client
}

// httpReply is the expected JSON response body.
type httpReply struct {
	Reference string `json:"reference"`
	RootHash  string `json:"root_hash"`
	Status    string `json:"status"`
}

// HTTPAnchor posts roots to a notarization service. A 200 or 201 reply
// confirms the commitment; 202 leaves it pending.
type HTTPAnchor struct {
	config HTTPConfig
	client *http.Client
}

// NewHTTPAnchor returns an anchor posting to cfg.Endpoint.
func NewHTTPAnchor(cfg HTTPConfig) (*HTTPAnchor, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("anchors: invalid endpoint %q", cfg.Endpoint)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPAnchor{config: cfg, client: client}, nil
}

func (h *HTTPAnchor) Name() string { return "http" }

func (h *HTTPAnchor) Commit(ctx context.Context, req Request) (*Receipt, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/json")
	if h.config.Token != "" {
		hreq.Header.Set("Authorization", "Bearer "+h.config.Token)
	}

	resp, err := h.client.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	rc := newReceipt(h.Name(), req)
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusAccepted:
		rc.Status = StatusPending
	default:
		if len(data) > 1024 {
			data = data[:1024]
		}
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(data))
	}

	var reply httpReply
	if len(data) > 0 {
		if err := json.Unmarshal(data, &reply); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	if reply.RootHash != "" && reply.RootHash != req.RootHash {
		return nil, fmt.Errorf("%w: server acknowledged %s", ErrReceiptMismatch, reply.RootHash)
	}
	rc.Reference = reply.Reference
	rc.Proof = data
	return rc, nil
}

// Verify checks the stored server reply against the receipt. It does not
// contact the server.
func (h *HTTPAnchor) Verify(_ context.Context, receipt Receipt) error {
	if len(receipt.Proof) == 0 {
		return nil
	}
	var reply httpReply
	if err := json.Unmarshal(receipt.Proof, &reply); err != nil {
		return fmt.Errorf("%w: %v", ErrReceiptMismatch, err)
	}
	if reply.RootHash != "" && reply.RootHash != receipt.RootHash {
		return ErrReceiptMismatch
	}
	return nil
}
