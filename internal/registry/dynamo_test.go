package registry

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/lucas-bruzzone/sistema-rural-demo/internal/notify"
)

// fakeDynamo is an in-memory table that understands exactly the expressions
// DynamoRegistry sends, and records every call.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
	calls []string
	err   error
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func (f *fakeDynamo) record(call string) error {
	f.calls = append(f.calls, call)
	return f.err
}

func keyOf(key map[string]types.AttributeValue) string {
	return key[attrConnectionID].(*types.AttributeValueMemberS).Value
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		if ss, ok := v.(*types.AttributeValueMemberSS); ok {
			v = &types.AttributeValueMemberSS{Value: slices.Clone(ss.Value)}
		}
		out[k] = v
	}
	return out
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("PutItem"); err != nil {
		return nil, err
	}
	f.items[keyOf(in.Item)] = copyItem(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetItem"); err != nil {
		return nil, err
	}
	item, ok := f.items[keyOf(in.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: copyItem(item)}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteItem"); err != nil {
		return nil, err
	}
	delete(f.items, keyOf(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("UpdateItem"); err != nil {
		return nil, err
	}
	item, ok := f.items[keyOf(in.Key)]
	now, _ := strconv.ParseInt(in.ExpressionAttributeValues[":now"].(*types.AttributeValueMemberN).Value, 10, 64)
	if ok {
		ttl, _ := strconv.ParseInt(item[attrTTL].(*types.AttributeValueMemberN).Value, 10, 64)
		ok = ttl > now
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}

	topic := in.ExpressionAttributeValues[":t"].(*types.AttributeValueMemberSS).Value[0]
	var set []string
	if ss, ok := item[attrSubscriptions].(*types.AttributeValueMemberSS); ok {
		set = ss.Value
	}
	switch {
	case strings.HasPrefix(*in.UpdateExpression, "ADD"):
		if !slices.Contains(set, topic) {
			set = append(set, topic)
		}
	case strings.HasPrefix(*in.UpdateExpression, "DELETE"):
		set = slices.DeleteFunc(set, func(s string) bool { return s == topic })
	}
	if len(set) == 0 {
		delete(item, attrSubscriptions)
	} else {
		item[attrSubscriptions] = &types.AttributeValueMemberSS{Value: set}
	}
	return &dynamodb.UpdateItemOutput{Attributes: copyItem(item)}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Query:" + aws.ToString(in.IndexName)); err != nil {
		return nil, err
	}
	user := in.ExpressionAttributeValues[":u"].(*types.AttributeValueMemberS).Value
	out := &dynamodb.QueryOutput{}
	for _, item := range f.items {
		if item[attrUserID].(*types.AttributeValueMemberS).Value == user {
			out.Items = append(out.Items, copyItem(item))
		}
	}
	return out, nil
}

func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Scan"); err != nil {
		return nil, err
	}
	out := &dynamodb.ScanOutput{}
	for _, item := range f.items {
		if in.FilterExpression != nil {
			topic := in.ExpressionAttributeValues[":t"].(*types.AttributeValueMemberS).Value
			ss, ok := item[attrSubscriptions].(*types.AttributeValueMemberSS)
			if !ok || !slices.Contains(ss.Value, topic) {
				continue
			}
		}
		out.Items = append(out.Items, copyItem(item))
	}
	return out, nil
}

func TestDynamoRegistry(t *testing.T) {
	testRegistryContract(t, func(clock Clock) Registry {
		return NewDynamoRegistry(newFakeDynamo(), "connections", clock)
	})
}

func TestDynamoPutOmitsEmptySubscriptionSet(t *testing.T) {
	fake := newFakeDynamo()
	reg := NewDynamoRegistry(fake, "connections", nil)

	conn := NewConnection("c1", "u1", time.Unix(1700000000, 0), time.Hour)
	if err := reg.Put(context.Background(), conn); err != nil {
		t.Fatalf("Put: %v", err)
	}

	item := fake.items["c1"]
	if _, ok := item[attrSubscriptions]; ok {
		t.Error("expected no subscriptions attribute for an empty set")
	}
	ttl, ok := item[attrTTL].(*types.AttributeValueMemberN)
	if !ok || ttl.Value != "1700003600" {
		t.Errorf("expected ttl 1700003600, got %#v", item[attrTTL])
	}
}

func TestDynamoFindByUserUsesIndex(t *testing.T) {
	fake := newFakeDynamo()
	reg := NewDynamoRegistry(fake, "connections", nil)
	_ = reg.Put(context.Background(), NewConnection("c1", "u1", time.Now(), time.Hour))

	if _, err := reg.FindByUser(context.Background(), "u1"); err != nil {
		t.Fatalf("FindByUser: %v", err)
	}
	if last := fake.calls[len(fake.calls)-1]; last != "Query:"+UserIndex {
		t.Errorf("expected query on %s, got %s", UserIndex, last)
	}
}

func TestDynamoFailuresAreTransient(t *testing.T) {
	fake := newFakeDynamo()
	fake.err = errors.New("throttled")
	reg := NewDynamoRegistry(fake, "connections", nil)

	if _, _, err := reg.Get(context.Background(), "c1"); !notify.Is(err, notify.KindTransient) {
		t.Errorf("expected transient from Get, got %v", err)
	}
	if _, err := reg.AddTopic(context.Background(), "c1", "t"); !notify.Is(err, notify.KindTransient) {
		t.Errorf("expected transient from AddTopic, got %v", err)
	}
	if _, err := reg.FindBySubscribedTopic(context.Background(), "t"); !notify.Is(err, notify.KindTransient) {
		t.Errorf("expected transient from FindBySubscribedTopic, got %v", err)
	}
}
