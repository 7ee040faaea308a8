package registry

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/lucas-bruzzone/sistema-rural-demo/internal/notify"
)

// DynamoAPI is the subset of the DynamoDB client the registry calls.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Item attribute names. ttl is the table's native TTL attribute, in epoch
// seconds.
const (
	attrConnectionID  = "connectionId"
	attrUserID        = "userId"
	attrConnectedAt   = "connectedAt"
	attrTTL           = "ttl"
	attrSubscriptions = "subscriptions"

	// UserIndex is the global secondary index keyed by userId.
	UserIndex = "userId-index"
)

// DynamoRegistry stores one item per connection. Subscriptions are a string
// set so single topics can be added or removed with ADD/DELETE. Expiry is
// left to DynamoDB TTL; reads filter on ttl because TTL deletion lags.
//
// Topic lookup is a filtered Scan. That is fine for the connection counts a
// single table of live sockets sees; the Redis and Postgres backends keep a
// proper inverted index.
type DynamoRegistry struct {
	client DynamoAPI
	table  string
	now    Clock
}

// NewDynamoRegistry wraps a client for the given table.
func NewDynamoRegistry(client DynamoAPI, table string, clock Clock) *DynamoRegistry {
	if clock == nil {
		clock = time.Now
	}
	return &DynamoRegistry{client: client, table: table, now: clock}
}

var (
	_ Registry     = (*DynamoRegistry)(nil)
	_ TopicMutator = (*DynamoRegistry)(nil)
)

func (d *DynamoRegistry) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{attrConnectionID: &types.AttributeValueMemberS{Value: id}}
}

func (d *DynamoRegistry) Put(ctx context.Context, conn Connection) error {
	if conn.ID == "" {
		return notify.Errorf(notify.KindBadRequest, "registry.put", "connection id is required")
	}
	item := map[string]types.AttributeValue{
		attrConnectionID: &types.AttributeValueMemberS{Value: conn.ID},
		attrUserID:       &types.AttributeValueMemberS{Value: conn.UserID},
		attrConnectedAt:  &types.AttributeValueMemberS{Value: conn.ConnectedAt.UTC().Format(time.RFC3339Nano)},
		attrTTL:          &types.AttributeValueMemberN{Value: strconv.FormatInt(conn.ExpiresAt.Unix(), 10)},
	}
	// DynamoDB rejects empty sets, so an unsubscribed connection has no
	// subscriptions attribute at all.
	if topics := NormalizeTopics(conn.Subscriptions); len(topics) > 0 {
		item[attrSubscriptions] = &types.AttributeValueMemberSS{Value: topics}
	}

	if _, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      item,
	}); err != nil {
		return notify.E(notify.KindTransient, "registry.put", err)
	}
	return nil
}

func (d *DynamoRegistry) Get(ctx context.Context, id string) (Connection, bool, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            d.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Connection{}, false, notify.E(notify.KindTransient, "registry.get", err)
	}
	conn, ok := decodeItem(out.Item)
	if !ok || conn.Expired(d.now()) {
		return Connection{}, false, nil
	}
	return conn, true, nil
}

func (d *DynamoRegistry) Delete(ctx context.Context, id string) error {
	if _, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       d.key(id),
	}); err != nil {
		return notify.E(notify.KindTransient, "registry.delete", err)
	}
	return nil
}

func (d *DynamoRegistry) FindByUser(ctx context.Context, userID string) ([]Connection, error) {
	p := dynamodb.NewQueryPaginator(d.client, &dynamodb.QueryInput{
		TableName:              aws.String(d.table),
		IndexName:              aws.String(UserIndex),
		KeyConditionExpression: aws.String("userId = :u"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":u": &types.AttributeValueMemberS{Value: userID},
		},
	})
	now := d.now()
	conns := []Connection{}
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, notify.E(notify.KindTransient, "registry.find_by_user", err)
		}
		conns = appendLive(conns, page.Items, now)
	}
	return conns, nil
}

func (d *DynamoRegistry) FindBySubscribedTopic(ctx context.Context, topic string) ([]Connection, error) {
	conns, err := d.scan(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(d.table),
		FilterExpression: aws.String("contains(subscriptions, :t)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberS{Value: topic},
		},
	})
	if err != nil {
		return nil, notify.E(notify.KindTransient, "registry.find_by_topic", err)
	}
	return conns, nil
}

func (d *DynamoRegistry) All(ctx context.Context) ([]Connection, error) {
	conns, err := d.scan(ctx, &dynamodb.ScanInput{TableName: aws.String(d.table)})
	if err != nil {
		return nil, notify.E(notify.KindTransient, "registry.all", err)
	}
	return conns, nil
}

func (d *DynamoRegistry) AddTopic(ctx context.Context, id, topic string) ([]string, error) {
	return d.updateTopic(ctx, "registry.add_topic", "ADD subscriptions :t", id, topic)
}

func (d *DynamoRegistry) RemoveTopic(ctx context.Context, id, topic string) ([]string, error) {
	return d.updateTopic(ctx, "registry.remove_topic", "DELETE subscriptions :t", id, topic)
}

func (d *DynamoRegistry) updateTopic(ctx context.Context, op, expr, id, topic string) ([]string, error) {
	out, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.table),
		Key:                 d.key(id),
		UpdateExpression:    aws.String(expr),
		ConditionExpression: aws.String("attribute_exists(connectionId) AND #ttl > :now"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": attrTTL,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t":   &types.AttributeValueMemberSS{Value: []string{topic}},
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(d.now().Unix(), 10)},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil, notify.Errorf(notify.KindNotFound, op, "connection %s not found", id)
		}
		return nil, notify.E(notify.KindTransient, op, err)
	}
	conn, _ := decodeItem(out.Attributes)
	return NormalizeTopics(conn.Subscriptions), nil
}

func (d *DynamoRegistry) scan(ctx context.Context, in *dynamodb.ScanInput) ([]Connection, error) {
	p := dynamodb.NewScanPaginator(d.client, in)
	now := d.now()
	conns := []Connection{}
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		conns = appendLive(conns, page.Items, now)
	}
	return conns, nil
}

func appendLive(conns []Connection, items []map[string]types.AttributeValue, now time.Time) []Connection {
	for _, item := range items {
		if c, ok := decodeItem(item); ok && !c.Expired(now) {
			conns = append(conns, c)
		}
	}
	return conns
}

func decodeItem(item map[string]types.AttributeValue) (Connection, bool) {
	id, ok := item[attrConnectionID].(*types.AttributeValueMemberS)
	if !ok {
		return Connection{}, false
	}
	conn := Connection{ID: id.Value, Subscriptions: []string{}}
	if v, ok := item[attrUserID].(*types.AttributeValueMemberS); ok {
		conn.UserID = v.Value
	}
	if v, ok := item[attrConnectedAt].(*types.AttributeValueMemberS); ok {
		conn.ConnectedAt, _ = time.Parse(time.RFC3339Nano, v.Value)
	}
	if v, ok := item[attrTTL].(*types.AttributeValueMemberN); ok {
		if secs, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			conn.ExpiresAt = time.Unix(secs, 0).UTC()
		}
	}
	if v, ok := item[attrSubscriptions].(*types.AttributeValueMemberSS); ok {
		conn.Subscriptions = NormalizeTopics(v.Value)
	}
	return conn, true
}
