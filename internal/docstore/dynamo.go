// Package docstore stores the non-PII part of each resume in DynamoDB, keyed
// by the identifier the relational store assigned.
package docstore

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/shyampagadi/AI-Rec-Batch/internal/model"
	"github.com/shyampagadi/AI-Rec-Batch/internal/normalize"
	"github.com/shyampagadi/AI-Rec-Batch/internal/resilience"
)

// MaxBatchItems is DynamoDB's per-request limit for BatchWriteItem.
const MaxBatchItems = 25

// API is the subset of the DynamoDB client the store uses.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// Entry is one record in a batch write.
type Entry struct {
	Identifier string
	Resume     *model.Resume
}

// Dynamo implements store.Adapter over a single DynamoDB table.
type Dynamo struct {
	api   API
	table string
	retry resilience.RetryConfig
	now   func() time.Time
}

// New creates a Dynamo store. A zero retry config uses three attempts with a
// 1s doubling backoff.
func New(api API, table string, retry resilience.RetryConfig) *Dynamo {
	if retry.MaxAttempts == 0 {
		retry = resilience.DefaultRetryConfig()
	}
	return &Dynamo{api: api, table: table, retry: retry, now: time.Now}
}

// Name implements store.Adapter.
func (d *Dynamo) Name() string { return model.StoreDocument }

func (d *Dynamo) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"resume_id": &types.AttributeValueMemberS{Value: id}}
}

func (d *Dynamo) timestamp() string {
	return d.now().UTC().Format(time.RFC3339Nano)
}

// Upsert writes the whitelisted fields of r under id. created_at is set only
// on first write.
func (d *Dynamo) Upsert(ctx context.Context, id string, r *model.Resume, _ model.Source) (string, error) {
	if id == "" {
		return "", eris.New("dynamo: upsert requires an identifier")
	}
	data := encode(nonPII(r)).(*types.AttributeValueMemberM)
	now := &types.AttributeValueMemberS{Value: d.timestamp()}

	in := &dynamodb.UpdateItemInput{
		TableName:                aws.String(d.table),
		Key:                      d.key(id),
		UpdateExpression:         aws.String("SET #data = :data, updated_at = :now, created_at = if_not_exists(created_at, :now)"),
		ExpressionAttributeNames: map[string]string{"#data": "data"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":data": data,
			":now":  now,
		},
	}
	retry := d.retry
	retry.OnRetry = resilience.RetryLogger(d.Name(), "update_item")
	err := resilience.Do(ctx, retry, func(ctx context.Context) error {
		_, err := d.api.UpdateItem(ctx, in)
		return err
	})
	if err != nil {
		return "", eris.Wrapf(err, "dynamo: upsert %s", id)
	}
	zap.L().Debug("dynamo: upserted resume",
		zap.String("resume_id", id),
		zap.Strings("fields", keys(data.Value)),
	)
	return id, nil
}

// BatchUpsert writes entries in chunks of MaxBatchItems. Unprocessed items
// are requeued and retried with backoff until the retry budget is spent.
func (d *Dynamo) BatchUpsert(ctx context.Context, entries []Entry) []model.StoreOutcome {
	outcomes := make([]model.StoreOutcome, len(entries))
	now := d.timestamp()
	for start := 0; start < len(entries); start += MaxBatchItems {
		end := min(start+MaxBatchItems, len(entries))
		chunk := entries[start:end]

		requests := make([]types.WriteRequest, 0, len(chunk))
		for _, e := range chunk {
			requests = append(requests, types.WriteRequest{PutRequest: &types.PutRequest{
				Item: map[string]types.AttributeValue{
					"resume_id":  &types.AttributeValueMemberS{Value: e.Identifier},
					"created_at": &types.AttributeValueMemberS{Value: now},
					"updated_at": &types.AttributeValueMemberS{Value: now},
					"data":       encode(nonPII(e.Resume)),
				},
			}})
		}

		failed, err := d.writeChunk(ctx, requests)
		for i, e := range chunk {
			o := model.StoreOutcome{Store: model.StoreDocument, Identifier: e.Identifier, OK: true}
			if err != nil {
				o.OK, o.Error = false, err.Error()
			} else if failed[e.Identifier] {
				o.OK, o.Error = false, "dynamo: item left unprocessed after retries"
			}
			outcomes[start+i] = o
		}
	}
	return outcomes
}

var errUnprocessed = errors.New("dynamo: unprocessed items")

// writeChunk sends one BatchWriteItem request and requeues unprocessed
// items. It returns the identifiers still unprocessed when the retry budget
// runs out.
func (d *Dynamo) writeChunk(ctx context.Context, requests []types.WriteRequest) (map[string]bool, error) {
	pending := requests
	retry := d.retry
	retry.ShouldRetry = func(err error) bool {
		return errors.Is(err, errUnprocessed) || resilience.IsTransient(err)
	}
	retry.OnRetry = resilience.RetryLogger(d.Name(), "batch_write_item")

	err := resilience.Do(ctx, retry, func(ctx context.Context) error {
		out, err := d.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{d.table: pending},
		})
		if err != nil {
			return err
		}
		pending = out.UnprocessedItems[d.table]
		if len(pending) > 0 {
			zap.L().Warn("dynamo: requeueing unprocessed items", zap.Int("items", len(pending)))
			return errUnprocessed
		}
		return nil
	})
	if err != nil && !errors.Is(err, errUnprocessed) {
		return nil, eris.Wrap(err, "dynamo: batch write")
	}

	failed := make(map[string]bool, len(pending))
	for _, req := range pending {
		if req.PutRequest == nil {
			continue
		}
		if s, ok := req.PutRequest.Item["resume_id"].(*types.AttributeValueMemberS); ok {
			failed[s.Value] = true
		}
	}
	return failed, nil
}

// FindByIdentifier returns the stored non-PII fields for id, or nil.
func (d *Dynamo) FindByIdentifier(ctx context.Context, id string) (*model.Resume, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.table),
		Key:       d.key(id),
	})
	if err != nil {
		return nil, eris.Wrapf(err, "dynamo: get %s", id)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	data, ok := out.Item["data"].(*types.AttributeValueMemberM)
	if !ok {
		return &model.Resume{Identifier: id}, nil
	}

	var raw map[string]any
	if err := attributevalue.UnmarshalMap(strip(data).(*types.AttributeValueMemberM).Value, &raw); err != nil {
		return nil, eris.Wrapf(err, "dynamo: decode %s", id)
	}
	r := normalize.Normalize(raw)
	r.Identifier = id
	return r, nil
}

// FindByContact always returns no match: the document store holds no
// contact fields.
func (d *Dynamo) FindByContact(context.Context, string, string) (string, error) {
	return "", nil
}

// Delete removes the item for id.
func (d *Dynamo) Delete(ctx context.Context, id string) error {
	_, err := d.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       d.key(id),
	})
	return eris.Wrapf(err, "dynamo: delete %s", id)
}

// ListIdentifiers scans the table for every stored identifier.
func (d *Dynamo) ListIdentifiers(ctx context.Context) ([]string, error) {
	p := dynamodb.NewScanPaginator(d.api, &dynamodb.ScanInput{
		TableName:            aws.String(d.table),
		ProjectionExpression: aws.String("resume_id"),
	})
	var ids []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "dynamo: scan")
		}
		for _, item := range page.Items {
			if s, ok := item["resume_id"].(*types.AttributeValueMemberS); ok {
				ids = append(ids, s.Value)
			}
		}
	}
	return ids, nil
}

// EnsureTable creates the table with resume_id as the hash key when it does
// not exist, and waits for it to become active.
func (d *Dynamo) EnsureTable(ctx context.Context) error {
	_, err := d.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.table)})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return eris.Wrapf(err, "dynamo: describe table %s", d.table)
	}

	zap.L().Info("dynamo: creating table", zap.String("table", d.table))
	_, err = d.api.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(d.table),
		BillingMode: types.BillingModePayPerRequest,
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("resume_id"), KeyType: types.KeyTypeHash},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("resume_id"), AttributeType: types.ScalarAttributeTypeS},
		},
	})
	var inUse *types.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return eris.Wrapf(err, "dynamo: create table %s", d.table)
	}

	waiter := dynamodb.NewTableExistsWaiter(d.api)
	return eris.Wrapf(
		waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.table)}, 2*time.Minute),
		"dynamo: wait for table %s", d.table,
	)
}

// Ping checks that the table is reachable.
func (d *Dynamo) Ping(ctx context.Context) error {
	_, err := d.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.table)})
	return eris.Wrap(err, "dynamo: ping")
}
