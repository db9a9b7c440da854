package clinvar

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mkoziy/genome/loader/internal/logger"
	"github.com/mkoziy/genome/loader/internal/models"
	"github.com/mkoziy/genome/loader/internal/retry"
)

const (
	DefaultBaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"
	defaultTool    = "genome-loader"
)

// Limiter throttles outbound requests.
type Limiter interface {
	Wait(ctx context.Context) error
}

// ClientConfig configures the E-utilities client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Email   string
	Tool    string
	Retry   retry.Config
}

// Client handles ClinVar API requests.
type Client struct {
	httpClient *http.Client
	limiter    Limiter
	cfg        ClientConfig
	log        *logger.Logger
}

// NewClient creates a new ClinVar client. A nil limiter builds a token bucket
// from cfg.Retry.
func NewClient(cfg ClientConfig, limiter Limiter, log *logger.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Tool == "" {
		cfg.Tool = defaultTool
	}
	cfg.Retry = retry.ApplyDefaults(cfg.Retry)
	if limiter == nil {
		limiter = retry.NewTokenBucket(cfg.Retry)
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    limiter,
		cfg:        cfg,
		log:        log.With("component", "clinvar"),
	}
}

// Search performs an ESearch query.
func (c *Client) Search(ctx context.Context, query string, retStart, retMax int) (*SearchResponse, error) {
	params := c.params()
	params.Set("term", query)
	params.Set("retstart", strconv.Itoa(retStart))
	params.Set("retmax", strconv.Itoa(retMax))
	params.Set("retmode", "json")

	var result struct {
		ESearchResult SearchResponse `json:"esearchresult"`
	}
	err := c.get(ctx, "esearch", params, func(body io.Reader) error {
		return json.NewDecoder(body).Decode(&result)
	})
	if err != nil {
		return nil, err
	}
	return &result.ESearchResult, nil
}

// Fetch retrieves full variant details by IDs.
func (c *Client) Fetch(ctx context.Context, ids []string) ([]ClinVarSet, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	params := c.params()
	params.Set("id", strings.Join(ids, ","))
	params.Set("rettype", "vcv")
	params.Set("retmode", "xml")

	var wrapper fetchResult
	err := c.get(ctx, "efetch", params, func(body io.Reader) error {
		return xml.NewDecoder(body).Decode(&wrapper)
	})
	if err != nil {
		return nil, err
	}
	return wrapper.Sets, nil
}

func (c *Client) params() url.Values {
	params := url.Values{}
	params.Set("db", "clinvar")
	params.Set("tool", c.cfg.Tool)
	if c.cfg.Email != "" {
		params.Set("email", c.cfg.Email)
	}
	if c.cfg.APIKey != "" {
		params.Set("api_key", c.cfg.APIKey)
	}
	return params
}

// get issues one throttled request. 429 and 5xx answers are retried with
// backoff; other failures are returned as is.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values, decode func(io.Reader) error) error {
	u := fmt.Sprintf("%s/%s.fcgi?%s", c.cfg.BaseURL, endpoint, params.Encode())

	return retry.Do(ctx, c.cfg.Retry, c.log, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &models.StorageIOError{Op: endpoint, Transient: true, Err: err}
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			err := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			transient := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError
			return &models.StorageIOError{Op: endpoint, Transient: transient, Err: err}
		}
		if err := decode(resp.Body); err != nil {
			return fmt.Errorf("decode %s response: %w", endpoint, err)
		}
		return nil
	})
}
