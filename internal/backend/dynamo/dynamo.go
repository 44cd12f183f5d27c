// Package dynamo implements the backend client against DynamoDB.
package dynamo

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/stationops/datagate/internal/backend"
	dgerrors "github.com/stationops/datagate/pkg/errors"
	"github.com/stationops/datagate/pkg/utils"
)

// Config represents DynamoDB client configuration
type Config struct {
	Region     string `yaml:"region"`
	Endpoint   string `yaml:"endpoint"`
	MaxRetries int    `yaml:"max_retries"`

	// KeyAttribute is the primary-key attribute used for updates/deletes.
	KeyAttribute string `yaml:"key_attribute"`

	// Static credentials for local endpoints; the default AWS chain is
	// used when empty.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// Metrics tracks backend client performance
type Metrics struct {
	Requests       int64         `json:"requests"`
	Errors         int64         `json:"errors"`
	AverageLatency time.Duration `json:"average_latency"`
	LastError      string        `json:"last_error"`
	LastErrorTime  time.Time     `json:"last_error_time"`
}

// Client is a backend.Client backed by DynamoDB.
type Client struct {
	db      *dynamodb.Client
	config  *Config
	logger  *utils.StructuredLogger
	mu      sync.Mutex
	metrics Metrics
}

var _ backend.Client = (*Client)(nil)

// New creates a new DynamoDB backend client
func New(ctx context.Context, cfg *Config, logger *utils.StructuredLogger) (*Client, error) {
	if cfg == nil {
		cfg = &Config{
			Region:       "us-east-1",
			MaxRetries:   3,
			KeyAttribute: "id",
		}
	}
	if cfg.KeyAttribute == "" {
		cfg.KeyAttribute = "id"
	}
	if logger == nil {
		logger = utils.NewStructuredLogger(nil)
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(cfg.MaxRetries),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	db := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &Client{
		db:     db,
		config: cfg,
		logger: logger.WithComponent("dynamo"),
	}, nil
}

// Query executes a translated query as a filtered scan.
func (c *Client) Query(ctx context.Context, q *backend.Query) ([]backend.Record, error) {
	start := time.Now()

	records, err := c.scan(ctx, q)
	c.recordMetrics(time.Since(start), err)
	if err != nil {
		return nil, dgerrors.Wrap(dgerrors.ErrCodeBackendCall,
			"query failed", err).WithComponent("dynamo").WithOperation("query").
			WithDetail("table", q.Table)
	}

	records = applySuffixConditions(records, q.Conditions)
	if q.OrderBy != "" {
		sortRecords(records, q.OrderBy, q.Ascending)
	}
	records = applyWindow(records, q.Offset, q.Limit)

	return records, nil
}

// Create stores a new record
func (c *Client) Create(ctx context.Context, table string, record backend.Record) error {
	start := time.Now()

	item, err := attributevalue.MarshalMap(map[string]interface{}(record))
	if err == nil {
		_, err = c.db.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(table),
			Item:      item,
		})
	}

	c.recordMetrics(time.Since(start), err)
	if err != nil {
		return dgerrors.Wrap(dgerrors.ErrCodeBackendCall,
			"create failed", err).WithComponent("dynamo").WithOperation("create").
			WithDetail("table", table)
	}
	return nil
}

// Update rewrites all non-key attributes of an existing record
func (c *Client) Update(ctx context.Context, table string, record backend.Record) error {
	start := time.Now()

	err := c.update(ctx, table, record)
	c.recordMetrics(time.Since(start), err)
	if err != nil {
		return dgerrors.Wrap(dgerrors.ErrCodeBackendCall,
			"update failed", err).WithComponent("dynamo").WithOperation("update").
			WithDetail("table", table)
	}
	return nil
}

// Delete removes a record by primary key
func (c *Client) Delete(ctx context.Context, table string, id interface{}) error {
	start := time.Now()

	key, err := c.keyFor(id)
	if err == nil {
		_, err = c.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(table),
			Key:       key,
		})
	}

	c.recordMetrics(time.Since(start), err)
	if err != nil {
		return dgerrors.Wrap(dgerrors.ErrCodeBackendCall,
			"delete failed", err).WithComponent("dynamo").WithOperation("delete").
			WithDetail("table", table)
	}
	return nil
}

// HealthCheck verifies backend reachability
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.db.ListTables(ctx, &dynamodb.ListTablesInput{
		Limit: aws.Int32(1),
	})
	if err != nil {
		return fmt.Errorf("dynamodb health check failed: %w", err)
	}
	return nil
}

// GetMetrics returns client performance counters.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Helper methods

func (c *Client) scan(ctx context.Context, q *backend.Query) ([]backend.Record, error) {
	input := &dynamodb.ScanInput{
		TableName: aws.String(q.Table),
	}

	expr, hasExpr, err := buildExpression(q)
	if err != nil {
		return nil, err
	}
	if hasExpr {
		input.FilterExpression = expr.Filter()
		input.ProjectionExpression = expr.Projection()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	want := scanTarget(q)

	var items []map[string]types.AttributeValue
	for {
		out, err := c.db.Scan(ctx, input)
		if err != nil {
			return nil, err
		}
		items = append(items, out.Items...)

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		if want > 0 && len(items) >= want {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}

	var records []backend.Record
	if err := attributevalue.UnmarshalListOfMaps(items, &records); err != nil {
		return nil, fmt.Errorf("failed to unmarshal items: %w", err)
	}
	return records, nil
}

// scanTarget returns how many raw items cover the requested window, or
// zero when the scan must drain the table. A sort needs every row. A
// StringEndsWith condition is only approximated server-side, so the raw
// item count cannot bound the window either: suffix refinement may drop
// items after the fact.
func scanTarget(q *backend.Query) int {
	if q.Limit <= 0 || q.OrderBy != "" {
		return 0
	}
	for _, cond := range q.Conditions {
		if cond.Op == backend.OpStringEndsWith {
			return 0
		}
	}
	return q.Offset + q.Limit
}

func (c *Client) update(ctx context.Context, table string, record backend.Record) error {
	id, ok := record[c.config.KeyAttribute]
	if !ok {
		return fmt.Errorf("record is missing key attribute %q", c.config.KeyAttribute)
	}

	key, err := c.keyFor(id)
	if err != nil {
		return err
	}

	var update expression.UpdateBuilder
	assigned := false
	for field, value := range record {
		if field == c.config.KeyAttribute {
			continue
		}
		update = update.Set(expression.Name(field), expression.Value(value))
		assigned = true
	}
	if !assigned {
		return fmt.Errorf("record has no attributes to update")
	}

	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return fmt.Errorf("failed to build update expression: %w", err)
	}

	_, err = c.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(table),
		Key:                       key,
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	return err
}

func (c *Client) keyFor(id interface{}) (map[string]types.AttributeValue, error) {
	av, err := attributevalue.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key: %w", err)
	}
	return map[string]types.AttributeValue{c.config.KeyAttribute: av}, nil
}

func (c *Client) recordMetrics(duration time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics.Requests++
	if err != nil {
		c.metrics.Errors++
		c.metrics.LastError = err.Error()
		c.metrics.LastErrorTime = time.Now()
	}

	if c.metrics.Requests == 1 {
		c.metrics.AverageLatency = duration
	} else {
		c.metrics.AverageLatency = time.Duration(
			(int64(c.metrics.AverageLatency)*9 + int64(duration)) / 10,
		)
	}
}

// buildExpression maps translated conditions and projection onto a
// DynamoDB expression. StringEndsWith has no server-side operator and is
// refined client-side after an approximate contains match.
func buildExpression(q *backend.Query) (expression.Expression, bool, error) {
	builder := expression.NewBuilder()
	hasExpr := false

	var filter expression.ConditionBuilder
	hasFilter := false
	for _, cond := range q.Conditions {
		cb, err := buildCondition(cond)
		if err != nil {
			return expression.Expression{}, false, err
		}
		if hasFilter {
			filter = filter.And(cb)
		} else {
			filter = cb
			hasFilter = true
		}
	}
	if hasFilter {
		builder = builder.WithFilter(filter)
		hasExpr = true
	}

	if len(q.Projection) > 0 {
		names := make([]expression.NameBuilder, len(q.Projection))
		for i, field := range q.Projection {
			names[i] = expression.Name(field)
		}
		builder = builder.WithProjection(expression.NamesList(names[0], names[1:]...))
		hasExpr = true
	}

	if !hasExpr {
		return expression.Expression{}, false, nil
	}

	expr, err := builder.Build()
	if err != nil {
		return expression.Expression{}, false, fmt.Errorf("failed to build expression: %w", err)
	}
	return expr, true, nil
}

func buildCondition(cond backend.Condition) (expression.ConditionBuilder, error) {
	name := expression.Name(cond.Field)

	switch cond.Op {
	case backend.OpEqual:
		return name.Equal(expression.Value(cond.Value)), nil
	case backend.OpNotEqual:
		return name.NotEqual(expression.Value(cond.Value)), nil
	case backend.OpGreaterThan:
		return name.GreaterThan(expression.Value(cond.Value)), nil
	case backend.OpGreaterThanOrEqual:
		return name.GreaterThanEqual(expression.Value(cond.Value)), nil
	case backend.OpLessThan:
		return name.LessThan(expression.Value(cond.Value)), nil
	case backend.OpLessThanOrEqual:
		return name.LessThanEqual(expression.Value(cond.Value)), nil
	case backend.OpLike:
		return name.Contains(fmt.Sprintf("%v", cond.Value)), nil
	case backend.OpStringStartsWith:
		return name.BeginsWith(fmt.Sprintf("%v", cond.Value)), nil
	case backend.OpStringEndsWith:
		// Approximate server-side; refined by applySuffixConditions.
		return name.Contains(fmt.Sprintf("%v", cond.Value)), nil
	case backend.OpIn:
		values, ok := cond.Value.([]interface{})
		if !ok || len(values) == 0 {
			return expression.ConditionBuilder{}, fmt.Errorf(
				"In condition on %q requires a non-empty value list", cond.Field)
		}
		operands := make([]expression.OperandBuilder, len(values))
		for i, v := range values {
			operands[i] = expression.Value(v)
		}
		return name.In(operands[0], operands[1:]...), nil
	case backend.OpIsNull:
		return expression.AttributeNotExists(name), nil
	case backend.OpIsNotNull:
		return expression.AttributeExists(name), nil
	default:
		return expression.ConditionBuilder{}, fmt.Errorf("unsupported operator %q", cond.Op)
	}
}

// applySuffixConditions enforces StringEndsWith exactly.
func applySuffixConditions(records []backend.Record, conditions []backend.Condition) []backend.Record {
	var suffixes []backend.Condition
	for _, cond := range conditions {
		if cond.Op == backend.OpStringEndsWith {
			suffixes = append(suffixes, cond)
		}
	}
	if len(suffixes) == 0 {
		return records
	}

	filtered := records[:0]
	for _, record := range records {
		keep := true
		for _, cond := range suffixes {
			str, ok := record[cond.Field].(string)
			if !ok || !strings.HasSuffix(str, fmt.Sprintf("%v", cond.Value)) {
				keep = false
				break
			}
		}
		if keep {
			filtered = append(filtered, record)
		}
	}
	return filtered
}

func sortRecords(records []backend.Record, field string, ascending bool) {
	sort.SliceStable(records, func(i, j int) bool {
		cmp := compareValues(records[i][field], records[j][field])
		if ascending {
			return cmp < 0
		}
		return cmp > 0
	})
}

func compareValues(a, b interface{}) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}

	as := fmt.Sprintf("%v", a)
	bs := fmt.Sprintf("%v", b)
	return strings.Compare(as, bs)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func applyWindow(records []backend.Record, offset, limit int) []backend.Record {
	if offset > 0 {
		if offset >= len(records) {
			return nil
		}
		records = records[offset:]
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}
