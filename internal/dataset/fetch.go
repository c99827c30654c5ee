package dataset

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
)

const (
	// DefaultHubBaseURL is the public ModelScope endpoint
	DefaultHubBaseURL = "https://www.modelscope.cn"
	// DefaultHubURLTemplate addresses one split file of a dataset repo
	DefaultHubURLTemplate = "{base_url}/api/v1/datasets/{dataset_id}/repo?Revision=master&FilePath={split}.jsonl"
)

// HTTPFetcherConfig configures HTTPFetcher
type HTTPFetcherConfig struct {
	BaseURL        string
	URLTemplate    string
	Token          string
	Timeout        time.Duration
	MaxRetries     int
	BaseRetryDelay time.Duration
	ShowProgress   bool
}

// HTTPFetcher downloads a dataset file over HTTP. The URL is produced by
// resolving URLTemplate against base_url, dataset_id, split and subset.
type HTTPFetcher struct {
	cfg        HTTPFetcherConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPFetcher applies defaults and returns a fetcher
func NewHTTPFetcher(cfg HTTPFetcherConfig, logger *slog.Logger) *HTTPFetcher {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultHubBaseURL
	}
	if cfg.URLTemplate == "" {
		cfg.URLTemplate = DefaultHubURLTemplate
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.BaseRetryDelay == 0 {
		cfg.BaseRetryDelay = 2 * time.Second
	}
	return &HTTPFetcher{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("component", "fetcher"),
	}
}

// URL returns the download URL for cfg
func (f *HTTPFetcher) URL(cfg SourceConfig) string {
	return ResolveTemplate(f.cfg.URLTemplate, Record{
		"base_url":   f.cfg.BaseURL,
		"dataset_id": cfg.DatasetID,
		"split":      cfg.Split,
		"subset":     cfg.Subset,
	})
}

// transientError marks a failure worth retrying
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Fetch downloads and decodes the dataset, retrying transient failures with
// exponential backoff
func (f *HTTPFetcher) Fetch(ctx context.Context, cfg SourceConfig, limit int) ([]Record, error) {
	url := f.URL(cfg)

	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * f.cfg.BaseRetryDelay
			f.logger.Warn("Retrying dataset download",
				"attempt", attempt,
				"max_retries", f.cfg.MaxRetries,
				"backoff", backoff,
				"error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		records, err := f.fetchOnce(ctx, url, limit)
		if err == nil {
			return records, nil
		}
		lastErr = err

		var te *transientError
		if !errors.As(err, &te) {
			return nil, err
		}
	}
	return nil, eris.Wrapf(lastErr, "fetch: giving up after %d attempts", f.cfg.MaxRetries+1)
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, url string, limit int) ([]Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetch: build request")
	}
	if f.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.cfg.Token)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &transientError{err: eris.Wrapf(err, "fetch: GET %s", url)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := eris.Errorf("fetch: GET %s returned status %d: %s", url, resp.StatusCode, bytes.TrimSpace(body))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, &transientError{err: statusErr}
		}
		return nil, statusErr
	}

	var body io.Reader = resp.Body
	if f.cfg.ShowProgress {
		bar := progressbar.DefaultBytes(resp.ContentLength, "downloading")
		body = io.TeeReader(resp.Body, bar)
	}

	records, err := DecodeRecords(body, limit)
	if err != nil {
		return nil, eris.Wrap(err, "fetch: decode dataset body")
	}
	return records, nil
}

// DecodeRecords accepts either a JSON array of objects or JSONL
func DecodeRecords(r io.Reader, limit int) ([]Record, error) {
	br := bufio.NewReader(r)
	for {
		b, err := br.Peek(1)
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if b[0] == ' ' || b[0] == '\n' || b[0] == '\r' || b[0] == '\t' {
			_, _ = br.ReadByte()
			continue
		}
		if b[0] != '[' {
			return DecodeJSONL(br, limit)
		}
		break
	}

	dec := json.NewDecoder(br)
	dec.UseNumber()
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	var records []Record
	for dec.More() {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("record %d: %w", len(records), err)
		}
		records = append(records, rec)
		if limit > 0 && len(records) >= limit {
			break
		}
	}
	return records, nil
}
