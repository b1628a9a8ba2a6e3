package search

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/opensearch-project/opensearch-go/v4"
	"github.com/opensearch-project/opensearch-go/v4/opensearchapi"
	requestsigner "github.com/opensearch-project/opensearch-go/v4/signer/awsv2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/shyampagadi/AI-Rec-Batch/internal/resilience"
)

// Hit is one matching document.
type Hit struct {
	ID     string
	Source json.RawMessage

	// Sort holds the hit's sort values, used as the search_after cursor.
	Sort []any
}

// Backend is the index client the adapter talks to. Index with an empty
// docID lets the engine assign the document ID and returns it.
type Backend interface {
	EnsureIndex(ctx context.Context, mapping map[string]any) (created bool, err error)
	Index(ctx context.Context, docID string, doc map[string]any) (string, error)
	Search(ctx context.Context, query map[string]any) ([]Hit, error)
	Delete(ctx context.Context, docID string) error
	Ping(ctx context.Context) error
}

// OpenSearchConfig configures the OpenSearch backend.
type OpenSearchConfig struct {
	Addresses []string
	Index     string
	Username  string
	Password  string

	// AWS, when set, signs requests with SigV4 for Service ("es" or "aoss").
	AWS     *aws.Config
	Service string
}

// OpenSearch implements Backend over opensearch-go.
type OpenSearch struct {
	client *opensearchapi.Client
	index  string
}

// NewOpenSearch creates an OpenSearch backend.
func NewOpenSearch(cfg OpenSearchConfig) (*OpenSearch, error) {
	if len(cfg.Addresses) == 0 {
		return nil, eris.New("opensearch: at least one address is required")
	}
	osCfg := opensearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	}
	if cfg.AWS != nil {
		service := cfg.Service
		if service == "" {
			service = "es"
		}
		signer, err := requestsigner.NewSignerWithService(*cfg.AWS, service)
		if err != nil {
			return nil, eris.Wrap(err, "opensearch: create sigv4 signer")
		}
		osCfg.Signer = signer
	}

	client, err := opensearchapi.NewClient(opensearchapi.Config{Client: osCfg})
	if err != nil {
		return nil, eris.Wrap(err, "opensearch: create client")
	}
	return &OpenSearch{client: client, index: cfg.Index}, nil
}

// EnsureIndex creates the index with mapping when it does not exist.
func (o *OpenSearch) EnsureIndex(ctx context.Context, mapping map[string]any) (bool, error) {
	resp, err := o.client.Indices.Exists(ctx, opensearchapi.IndicesExistsReq{Indices: []string{o.index}})
	if resp != nil && resp.StatusCode == http.StatusOK {
		return false, nil
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		return false, classify(eris.Wrapf(err, "opensearch: check index %s", o.index), resp)
	}

	body, err := json.Marshal(mapping)
	if err != nil {
		return false, eris.Wrap(err, "opensearch: encode mapping")
	}
	created, err := o.client.Indices.Create(ctx, opensearchapi.IndicesCreateReq{
		Index: o.index,
		Body:  bytes.NewReader(body),
	})
	if err != nil {
		if created != nil && created.Inspect().Response != nil &&
			created.Inspect().Response.StatusCode == http.StatusBadRequest &&
			bytes.Contains([]byte(err.Error()), []byte("already_exists")) {
			return false, nil
		}
		return false, eris.Wrapf(err, "opensearch: create index %s", o.index)
	}
	zap.L().Info("opensearch: created index", zap.String("index", o.index))
	return true, nil
}

// Index writes doc. The refresh makes the document visible to the next
// contact lookup in the same batch.
func (o *OpenSearch) Index(ctx context.Context, docID string, doc map[string]any) (string, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return "", eris.Wrap(err, "opensearch: encode document")
	}
	resp, err := o.client.Index(ctx, opensearchapi.IndexReq{
		Index:      o.index,
		DocumentID: docID,
		Body:       bytes.NewReader(body),
		Params:     opensearchapi.IndexParams{Refresh: "true"},
	})
	if err != nil {
		var raw *opensearch.Response
		if resp != nil {
			raw = resp.Inspect().Response
		}
		return "", classify(eris.Wrap(err, "opensearch: index document"), raw)
	}
	return resp.ID, nil
}

// Search runs query against the index.
func (o *OpenSearch) Search(ctx context.Context, query map[string]any) ([]Hit, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, eris.Wrap(err, "opensearch: encode query")
	}
	resp, err := o.client.Search(ctx, &opensearchapi.SearchReq{
		Indices: []string{o.index},
		Body:    bytes.NewReader(body),
	})
	if err != nil {
		var raw *opensearch.Response
		if resp != nil {
			raw = resp.Inspect().Response
		}
		return nil, classify(eris.Wrap(err, "opensearch: search"), raw)
	}
	hits := make([]Hit, 0, len(resp.Hits.Hits))
	for _, h := range resp.Hits.Hits {
		hits = append(hits, Hit{ID: h.ID, Source: h.Source, Sort: h.Sort})
	}
	return hits, nil
}

// Delete removes one document by its engine-assigned ID.
func (o *OpenSearch) Delete(ctx context.Context, docID string) error {
	resp, err := o.client.Document.Delete(ctx, opensearchapi.DocumentDeleteReq{
		Index:      o.index,
		DocumentID: docID,
		Params:     opensearchapi.DocumentDeleteParams{Refresh: "true"},
	})
	if err != nil {
		var raw *opensearch.Response
		if resp != nil {
			raw = resp.Inspect().Response
		}
		if raw != nil && raw.StatusCode == http.StatusNotFound {
			return nil
		}
		return classify(eris.Wrapf(err, "opensearch: delete %s", docID), raw)
	}
	return nil
}

// Ping checks the cluster is reachable.
func (o *OpenSearch) Ping(ctx context.Context) error {
	resp, err := o.client.Ping(ctx, nil)
	if err != nil {
		return classify(eris.Wrap(err, "opensearch: ping"), resp)
	}
	return nil
}

// classify marks 429 and 5xx responses as transient so the adapter retries
// them.
func classify(err error, resp *opensearch.Response) error {
	if err == nil {
		return nil
	}
	if resp != nil && resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return resilience.NewTransientError(err, resp.StatusCode)
	}
	return err
}

var _ Backend = (*OpenSearch)(nil)
