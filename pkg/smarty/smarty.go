// Package smarty is a client for the SmartyStreets street-address API. One
// call geocodes a whole batch of addresses; results come back correlated by
// the service's input_index field, never by array position, because the
// service omits entries for unmatched addresses and may reorder the rest.
package smarty

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Atlas/pkg/addresses"
	"github.com/wehubfusion/Atlas/pkg/errors"
)

// DefaultBaseURL is the production street-address endpoint
const DefaultBaseURL = "https://api.smartystreets.com/street-address"

// MatchStrategy controls which candidates the service returns
type MatchStrategy string

const (
	// MatchStrict only matches valid USPS addresses
	MatchStrict MatchStrategy = "strict"

	// MatchRange also matches addresses within a street's known range
	MatchRange MatchStrategy = "range"

	// MatchInvalid returns a candidate for every address
	MatchInvalid MatchStrategy = "invalid"
)

// ParseMatchStrategy parses a match strategy from its flag value
func ParseMatchStrategy(s string) (MatchStrategy, error) {
	switch s {
	case "strict":
		return MatchStrict, nil
	case "range":
		return MatchRange, nil
	case "invalid":
		return MatchInvalid, nil
	default:
		return "", errors.Newf(errors.CodeConfig, "unknown match strategy %q", s)
	}
}

// AddressRequest is one address to geocode. Its position in the request
// slice is its implicit correlation index.
type AddressRequest struct {
	addresses.Address
	Match MatchStrategy `json:"match"`
}

// AddressResponse is the structured field set for one matched address
type AddressResponse struct {
	// InputIndex is the position of the request this candidate answers
	InputIndex int

	// Fields is the raw nested response, numbers preserved verbatim
	Fields map[string]interface{}
}

// Config configures a Client
type Config struct {
	// BaseURL defaults to DefaultBaseURL when empty
	BaseURL string

	// AuthID and AuthToken are the service credentials. Both are required.
	AuthID    string
	AuthToken string

	// Timeout bounds one HTTP round trip. Defaults to 30s.
	Timeout time.Duration
}

// Client is a street-address API client. One Client is shared by all
// concurrent workers; the underlying http.Client pools connections and is
// safe for concurrent use without caller-side locking.
type Client struct {
	httpClient *http.Client
	endpoint   string
	logger     *zap.Logger
}

// NewClient validates the configuration and builds a client
func NewClient(config Config, logger *zap.Logger) (*Client, error) {
	if config.AuthID == "" || config.AuthToken == "" {
		return nil, errors.Newf(errors.CodeConfig, "missing geocoding credentials, set SMARTY_AUTH_ID and SMARTY_AUTH_TOKEN")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	endpoint, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.NewError(errors.CodeConfig, fmt.Sprintf("invalid geocoding endpoint %q", baseURL), err)
	}
	query := endpoint.Query()
	query.Set("auth-id", config.AuthID)
	query.Set("auth-token", config.AuthToken)
	endpoint.RawQuery = query.Encode()

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				// Keep enough idle connections for a full set of
				// concurrent batch workers.
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 64,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		endpoint: endpoint.String(),
		logger:   logger,
	}, nil
}

// StreetAddresses geocodes a batch of addresses. The returned slice always
// has len(requests) entries, correlated by index; nil means no match.
//
// Network failures and 5xx/429 responses are retryable
// (CodeServiceUnavailable); other non-2xx responses are permanent
// (CodeRequestRejected); responses that cannot be correlated are always
// fatal (CodeMalformedResponse).
func (c *Client) StreetAddresses(ctx context.Context, requests []AddressRequest) ([]*AddressResponse, error) {
	body, err := json.Marshal(requests)
	if err != nil {
		return nil, errors.NewError(errors.CodeRequestRejected, "could not encode address batch", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.NewError(errors.CodeRequestRejected, "could not build geocoding request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.NewError(errors.CodeServiceUnavailable, "geocoding request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		code := errors.CodeRequestRejected
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			code = errors.CodeServiceUnavailable
		}
		return nil, errors.Newf(code, "geocoding service returned %s: %s", resp.Status, string(excerpt))
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var candidates []map[string]interface{}
	if err := dec.Decode(&candidates); err != nil {
		return nil, errors.NewError(errors.CodeMalformedResponse, "could not decode geocoding response", err)
	}

	results := make([]*AddressResponse, len(requests))
	for _, fields := range candidates {
		index, err := inputIndex(fields)
		if err != nil {
			return nil, err
		}
		if index < 0 || index >= len(requests) {
			return nil, errors.Newf(errors.CodeMalformedResponse, "candidate input_index %d out of range for batch of %d", index, len(requests))
		}
		if results[index] != nil {
			// Additional candidates for the same address; keep the first.
			continue
		}
		results[index] = &AddressResponse{InputIndex: index, Fields: fields}
	}

	c.logger.Debug("geocoded address batch",
		zap.Int("requests", len(requests)),
		zap.Int("candidates", len(candidates)))

	return results, nil
}

func inputIndex(fields map[string]interface{}) (int, error) {
	raw, ok := fields["input_index"]
	if !ok {
		return 0, errors.Newf(errors.CodeMalformedResponse, "candidate is missing input_index")
	}
	number, ok := raw.(json.Number)
	if !ok {
		return 0, errors.Newf(errors.CodeMalformedResponse, "candidate input_index is not a number: %v", raw)
	}
	index, err := number.Int64()
	if err != nil {
		return 0, errors.NewError(errors.CodeMalformedResponse, "candidate input_index is not an integer", err)
	}
	return int(index), nil
}
