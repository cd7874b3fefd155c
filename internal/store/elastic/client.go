// Package elastic implements the copy job store on an Elasticsearch index.
// Jobs are routed by service and identified by snapshot name.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"snapcopy/internal/logger"
	"snapcopy/internal/model"
	"snapcopy/internal/store"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"
)

const (
	defaultPort = "9200"
	scrollTTL   = time.Minute
	scrollSize  = 500
)

// Config is the configuration for creating a Client instance.
type Config struct {
	Addresses []string
	Index     string
	Timeout   time.Duration
}

// Client stores copy jobs in an Elasticsearch index.
type Client struct {
	es    *elasticsearch.Client
	index string
}

// Address turns a bare host into an Elasticsearch URL, defaulting to http
// and port 9200.
func Address(host string) string {
	if strings.Contains(host, "://") {
		return host
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return "http://" + host
	}

	return "http://" + net.JoinHostPort(host, defaultPort)
}

// New creates a Client. No request is made until the first operation.
func New(conf *Config) (*Client, error) {
	if len(conf.Addresses) == 0 || conf.Index == "" {
		return nil, errors.New("elasticsearch addresses and index are required")
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: conf.Addresses,
		Transport: &http.Transport{
			ResponseHeaderTimeout: conf.Timeout,
		},
		RetryOnStatus: []int{502, 503, 504},
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	logger.Log.Info("elasticsearch configured",
		zap.Strings("addresses", conf.Addresses),
		zap.String("index", conf.Index))

	return &Client{es: es, index: conf.Index}, nil
}

// hit is a stored document. Source is decoded separately so one bad
// document does not spoil a whole response.
type hit struct {
	ID      string          `json:"_id"`
	Routing string          `json:"_routing"`
	Source  json.RawMessage `json:"_source"`
}

// job decodes the hit. Documents written without a service field take it
// from their routing or their service tag; ones without a name take the id.
func (h *hit) job() (*model.CopyJob, error) {
	var job model.CopyJob
	if err := json.Unmarshal(h.Source, &job); err != nil {
		return nil, fmt.Errorf("decode copy job %s: %w", h.ID, err)
	}

	if job.Name == "" {
		job.Name = h.ID
	}
	if job.Service == "" {
		job.Service = h.Routing
	}
	if job.Service == "" {
		job.Service = job.Tags[model.TagService]
	}

	return &job, nil
}

type getResponse struct {
	hit
	Found bool `json:"found"`
}

// Get returns the job for the given identity.
func (c *Client) Get(ctx context.Context, service, name string) (*model.CopyJob, error) {
	res, err := c.es.Get(c.index, name,
		c.es.Get.WithRouting(service),
		c.es.Get.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("get copy job %s/%s: %w", service, name, err)
	}
	defer closeBody(res)

	if res.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s/%s: %w", service, name, store.ErrNotFound)
	}
	if res.IsError() {
		return nil, fmt.Errorf("get copy job %s/%s: %s", service, name, res.String())
	}

	var doc getResponse
	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode copy job %s/%s: %w", service, name, err)
	}
	if !doc.Found {
		return nil, fmt.Errorf("%s/%s: %w", service, name, store.ErrNotFound)
	}

	job, err := doc.job()
	if err != nil {
		return nil, err
	}
	if job.Service != service {
		return nil, fmt.Errorf("%s/%s: %w", service, name, store.ErrNotFound)
	}

	return job, nil
}

// Create indexes the job only if no document with its id exists.
func (c *Client) Create(ctx context.Context, job *model.CopyJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode copy job %s: %w", job.Key(), err)
	}

	res, err := c.es.Create(c.index, job.Name, bytes.NewReader(body),
		c.es.Create.WithRouting(job.Service),
		c.es.Create.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("create copy job %s: %w", job.Key(), err)
	}
	defer closeBody(res)

	if res.StatusCode == http.StatusConflict {
		return fmt.Errorf("%s: %w", job.Key(), store.ErrAlreadyExists)
	}
	if res.IsError() {
		return fmt.Errorf("create copy job %s: %s", job.Key(), res.String())
	}

	return nil
}

// Put indexes the job, replacing any previous document.
func (c *Client) Put(ctx context.Context, job *model.CopyJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode copy job %s: %w", job.Key(), err)
	}

	res, err := c.es.Index(c.index, bytes.NewReader(body),
		c.es.Index.WithDocumentID(job.Name),
		c.es.Index.WithRouting(job.Service),
		c.es.Index.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("index copy job %s: %w", job.Key(), err)
	}
	defer closeBody(res)

	if res.IsError() {
		return fmt.Errorf("index copy job %s: %s", job.Key(), res.String())
	}

	return nil
}

// Refresh makes recent writes searchable. A missing index is not an error.
func (c *Client) Refresh(ctx context.Context) error {
	res, err := c.es.Indices.Refresh(
		c.es.Indices.Refresh.WithIndex(c.index),
		c.es.Indices.Refresh.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("refresh %s: %w", c.index, err)
	}
	defer closeBody(res)

	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("refresh %s: %s", c.index, res.String())
	}

	return nil
}

type searchResponse struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Hits []hit `json:"hits"`
	} `json:"hits"`
}

// Scan walks every matching document with the scroll API.
func (c *Client) Scan(ctx context.Context, status model.CopyStatus) ([]*model.CopyJob, error) {
	query, err := scanQuery(status)
	if err != nil {
		return nil, err
	}

	res, err := c.es.Search(
		c.es.Search.WithIndex(c.index),
		c.es.Search.WithBody(bytes.NewReader(query)),
		c.es.Search.WithScroll(scrollTTL),
		c.es.Search.WithSize(scrollSize),
		c.es.Search.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", c.index, err)
	}

	var (
		jobs     []*model.CopyJob
		scrollID string
	)
	defer func() {
		if scrollID != "" {
			c.clearScroll(scrollID)
		}
	}()

	for {
		page, done, err := c.readPage(res)
		if err != nil {
			return nil, err
		}
		if page.ScrollID != "" {
			scrollID = page.ScrollID
		}
		if done || len(page.Hits.Hits) == 0 {
			return jobs, nil
		}

		for i := range page.Hits.Hits {
			job, err := page.Hits.Hits[i].job()
			if err != nil {
				logger.Log.Warn("skipping undecodable copy job",
					zap.String("index", c.index),
					zap.String("id", page.Hits.Hits[i].ID),
					zap.Error(err))
				continue
			}
			jobs = append(jobs, job)
		}

		res, err = c.es.Scroll(
			c.es.Scroll.WithScrollID(scrollID),
			c.es.Scroll.WithScroll(scrollTTL),
			c.es.Scroll.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("scroll %s: %w", c.index, err)
		}
	}
}

// readPage decodes one search or scroll response; done is set when the
// index does not exist yet.
func (c *Client) readPage(res *esapi.Response) (*searchResponse, bool, error) {
	defer closeBody(res)

	if res.StatusCode == http.StatusNotFound {
		return &searchResponse{}, true, nil
	}
	if res.IsError() {
		return nil, false, fmt.Errorf("search %s: %s", c.index, res.String())
	}

	var page searchResponse
	if err := json.NewDecoder(res.Body).Decode(&page); err != nil {
		return nil, false, fmt.Errorf("decode search response: %w", err)
	}

	return &page, false, nil
}

func (c *Client) clearScroll(scrollID string) {
	res, err := c.es.ClearScroll(c.es.ClearScroll.WithScrollID(scrollID))
	if err != nil {
		logger.Log.Debug("failed to clear scroll", zap.Error(err))
		return
	}
	closeBody(res)
}

// Close is a no-op; the client holds no persistent connection state.
func (c *Client) Close() error {
	return nil
}

func scanQuery(status model.CopyStatus) ([]byte, error) {
	var query map[string]any
	if status == "" {
		query = map[string]any{"query": map[string]any{"match_all": map[string]any{}}}
	} else {
		query = map[string]any{"query": map[string]any{
			"match": map[string]any{"snapshot_copy_status": string(status)},
		}}
	}

	b, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("encode scan query: %w", err)
	}

	return b, nil
}

func closeBody(res *esapi.Response) {
	if res != nil && res.Body != nil {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}
}
