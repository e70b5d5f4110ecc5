// Package awstest provides in-memory fakes of the AWS client interfaces for
// tests. The DynamoDB fake understands the small expression dialect the
// stores use: SET updates, equality key conditions, and conditions made of
// attribute_exists/attribute_not_exists and comparisons joined by AND/OR.
package awstest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Item is a raw DynamoDB item.
type Item = map[string]types.AttributeValue

type keySchema struct {
	pk, sk string
}

type table struct {
	keySchema
	indexes map[string]keySchema
	items   map[string]Item
}

// FakeDynamoDB is a goroutine-safe in-memory DynamoDB.
type FakeDynamoDB struct {
	mu       sync.Mutex
	tables   map[string]*table
	failures map[string][]error
	calls    map[string]int
}

// NewFakeDynamoDB returns an empty fake with no tables.
func NewFakeDynamoDB() *FakeDynamoDB {
	return &FakeDynamoDB{
		tables:   map[string]*table{},
		failures: map[string][]error{},
		calls:    map[string]int{},
	}
}

// CreateTable declares a table with a partition key and optional sort key.
func (f *FakeDynamoDB) CreateTable(name, pk, sk string) *FakeDynamoDB {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[name] = &table{
		keySchema: keySchema{pk: pk, sk: sk},
		indexes:   map[string]keySchema{},
		items:     map[string]Item{},
	}
	return f
}

// AddIndex declares a secondary index on an existing table.
func (f *FakeDynamoDB) AddIndex(tableName, index, pk, sk string) *FakeDynamoDB {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[tableName].indexes[index] = keySchema{pk: pk, sk: sk}
	return f
}

// FailNext makes the next call of op ("PutItem", "Query", ...) return err.
// Calls queue up: FailNext twice fails the next two calls.
func (f *FakeDynamoDB) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], err)
}

// Calls returns how many times op was invoked.
func (f *FakeDynamoDB) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Items returns a copy of every item in a table ordered by key.
func (f *FakeDynamoDB) Items(tableName string) []Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[tableName]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(t.items))
	for k := range t.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Item, 0, len(keys))
	for _, k := range keys {
		out = append(out, copyItem(t.items[k]))
	}
	return out
}

// Seed writes an item directly, bypassing conditions.
func (f *FakeDynamoDB) Seed(tableName string, item Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tables[tableName]
	k, err := t.keyOf(item)
	if err != nil {
		panic(err)
	}
	t.items[k] = copyItem(item)
}

func (f *FakeDynamoDB) begin(op string) error {
	f.calls[op]++
	if q := f.failures[op]; len(q) > 0 {
		f.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (f *FakeDynamoDB) table(name *string) (*table, error) {
	if name == nil {
		return nil, errors.New("missing table name")
	}
	t, ok := f.tables[*name]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: strPtr("table not found: " + *name)}
	}
	return t, nil
}

// GetItem implements aws.DynamoDBAPI.
func (f *FakeDynamoDB) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("GetItem"); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	k, err := t.keyOf(in.Key)
	if err != nil {
		return nil, err
	}
	item, ok := t.items[k]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: copyItem(item)}, nil
}

// PutItem implements aws.DynamoDBAPI.
func (f *FakeDynamoDB) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("PutItem"); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	k, err := t.keyOf(in.Item)
	if err != nil {
		return nil, err
	}
	ok, err := evalCondition(deref(in.ConditionExpression), t.items[k], in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
	}
	t.items[k] = copyItem(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

// UpdateItem implements aws.DynamoDBAPI. Missing items are created, as DynamoDB does.
func (f *FakeDynamoDB) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("UpdateItem"); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	updated, k, err := t.prepareUpdate(in.Key, deref(in.UpdateExpression), deref(in.ConditionExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	t.items[k] = updated
	return &dynamodb.UpdateItemOutput{Attributes: copyItem(updated)}, nil
}

// DeleteItem implements aws.DynamoDBAPI.
func (f *FakeDynamoDB) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("DeleteItem"); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	k, err := t.keyOf(in.Key)
	if err != nil {
		return nil, err
	}
	ok, err := evalCondition(deref(in.ConditionExpression), t.items[k], in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
	}
	old := t.items[k]
	delete(t.items, k)
	return &dynamodb.DeleteItemOutput{Attributes: copyItem(old)}, nil
}

// Query implements aws.DynamoDBAPI for equality key conditions on the table
// or one of its indexes. Limit and ExclusiveStartKey page through results.
func (f *FakeDynamoDB) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("Query"); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	schema := t.keySchema
	if in.IndexName != nil {
		s, ok := t.indexes[*in.IndexName]
		if !ok {
			return nil, fmt.Errorf("index not found: %s", *in.IndexName)
		}
		schema = s
	}

	lhs, rhs, ok := strings.Cut(deref(in.KeyConditionExpression), " = ")
	if !ok {
		return nil, fmt.Errorf("unsupported key condition %q", deref(in.KeyConditionExpression))
	}
	attr := resolveName(strings.TrimSpace(lhs), in.ExpressionAttributeNames)
	if attr != schema.pk {
		return nil, fmt.Errorf("key condition must target partition key %q, got %q", schema.pk, attr)
	}
	want, ok := in.ExpressionAttributeValues[strings.TrimSpace(rhs)]
	if !ok {
		return nil, fmt.Errorf("missing value %q", rhs)
	}

	type row struct {
		key  string
		item Item
	}
	var rows []row
	for k, item := range t.items {
		got, ok := item[attr]
		if !ok {
			continue
		}
		if c, err := compare(got, want); err == nil && c == 0 {
			rows = append(rows, row{key: k, item: item})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if schema.sk != "" {
			a, aok := rows[i].item[schema.sk]
			b, bok := rows[j].item[schema.sk]
			if aok && bok {
				if c, err := compare(a, b); err == nil && c != 0 {
					return c < 0
				}
			}
		}
		return rows[i].key < rows[j].key
	})
	if in.ScanIndexForward != nil && !*in.ScanIndexForward {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}

	start := 0
	if len(in.ExclusiveStartKey) > 0 {
		sk, err := t.keyOf(in.ExclusiveStartKey)
		if err != nil {
			return nil, err
		}
		for i, r := range rows {
			if r.key == sk {
				start = i + 1
				break
			}
		}
	}
	rows = rows[start:]

	out := &dynamodb.QueryOutput{}
	if in.Limit != nil && int(*in.Limit) < len(rows) {
		rows = rows[:*in.Limit]
		last := rows[len(rows)-1].item
		out.LastEvaluatedKey = Item{t.pk: last[t.pk]}
		if t.sk != "" {
			out.LastEvaluatedKey[t.sk] = last[t.sk]
		}
	}
	for _, r := range rows {
		out.Items = append(out.Items, copyItem(r.item))
	}
	out.Count = int32(len(out.Items))
	return out, nil
}

// TransactWriteItems implements aws.DynamoDBAPI. All conditions are checked
// before any write is applied; a single failed condition cancels everything.
func (f *FakeDynamoDB) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("TransactWriteItems"); err != nil {
		return nil, err
	}
	if len(in.TransactItems) > 100 {
		return nil, errors.New("ValidationException: transaction exceeds 100 items")
	}

	type write struct {
		t      *table
		key    string
		item   Item
		delete bool
	}
	writes := make([]write, 0, len(in.TransactItems))
	reasons := make([]types.CancellationReason, len(in.TransactItems))
	cancelled := false

	for i, ti := range in.TransactItems {
		reasons[i] = types.CancellationReason{Code: strPtr("None")}
		var (
			ok  bool
			err error
		)
		switch {
		case ti.Put != nil:
			p := ti.Put
			var t *table
			if t, err = f.table(p.TableName); err != nil {
				return nil, err
			}
			var k string
			if k, err = t.keyOf(p.Item); err != nil {
				return nil, err
			}
			if ok, err = evalCondition(deref(p.ConditionExpression), t.items[k], p.ExpressionAttributeNames, p.ExpressionAttributeValues); err != nil {
				return nil, err
			}
			writes = append(writes, write{t: t, key: k, item: copyItem(p.Item)})
		case ti.Update != nil:
			u := ti.Update
			var t *table
			if t, err = f.table(u.TableName); err != nil {
				return nil, err
			}
			updated, k, uerr := t.prepareUpdate(u.Key, deref(u.UpdateExpression), deref(u.ConditionExpression), u.ExpressionAttributeNames, u.ExpressionAttributeValues)
			var ccf *types.ConditionalCheckFailedException
			switch {
			case errors.As(uerr, &ccf):
				ok = false
			case uerr != nil:
				return nil, uerr
			default:
				ok = true
			}
			writes = append(writes, write{t: t, key: k, item: updated})
		case ti.Delete != nil:
			d := ti.Delete
			var t *table
			if t, err = f.table(d.TableName); err != nil {
				return nil, err
			}
			var k string
			if k, err = t.keyOf(d.Key); err != nil {
				return nil, err
			}
			if ok, err = evalCondition(deref(d.ConditionExpression), t.items[k], d.ExpressionAttributeNames, d.ExpressionAttributeValues); err != nil {
				return nil, err
			}
			writes = append(writes, write{t: t, key: k, delete: true})
		case ti.ConditionCheck != nil:
			c := ti.ConditionCheck
			var t *table
			if t, err = f.table(c.TableName); err != nil {
				return nil, err
			}
			var k string
			if k, err = t.keyOf(c.Key); err != nil {
				return nil, err
			}
			if ok, err = evalCondition(deref(c.ConditionExpression), t.items[k], c.ExpressionAttributeNames, c.ExpressionAttributeValues); err != nil {
				return nil, err
			}
		default:
			return nil, errors.New("empty transact item")
		}
		if !ok {
			reasons[i] = types.CancellationReason{Code: strPtr("ConditionalCheckFailed"), Message: strPtr("The conditional request failed")}
			cancelled = true
		}
	}

	if cancelled {
		return nil, &types.TransactionCanceledException{
			Message:             strPtr("Transaction cancelled, please refer cancellation reasons for specific reasons"),
			CancellationReasons: reasons,
		}
	}
	for _, w := range writes {
		if w.delete {
			delete(w.t.items, w.key)
			continue
		}
		w.t.items[w.key] = w.item
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (t *table) keyOf(item Item) (string, error) {
	pk, ok := item[t.pk]
	if !ok {
		return "", fmt.Errorf("ValidationException: missing key attribute %q", t.pk)
	}
	k := scalar(pk)
	if t.sk != "" {
		sk, ok := item[t.sk]
		if !ok {
			return "", fmt.Errorf("ValidationException: missing key attribute %q", t.sk)
		}
		k += "\x00" + scalar(sk)
	}
	return k, nil
}

func (t *table) prepareUpdate(key Item, update, cond string, names map[string]string, values map[string]types.AttributeValue) (Item, string, error) {
	k, err := t.keyOf(key)
	if err != nil {
		return nil, "", err
	}
	current := t.items[k]
	ok, err := evalCondition(cond, current, names, values)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, k, &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
	}
	next := copyItem(current)
	if next == nil {
		next = copyItem(key)
	}
	if err := applyUpdate(update, next, names, values); err != nil {
		return nil, "", err
	}
	return next, k, nil
}

func applyUpdate(expr string, item Item, names map[string]string, values map[string]types.AttributeValue) error {
	expr = strings.TrimSpace(expr)
	rest, ok := strings.CutPrefix(expr, "SET ")
	if !ok {
		return fmt.Errorf("unsupported update expression %q", expr)
	}
	for _, assign := range strings.Split(rest, ",") {
		lhs, rhs, ok := strings.Cut(assign, "=")
		if !ok {
			return fmt.Errorf("malformed assignment %q", assign)
		}
		v, ok := values[strings.TrimSpace(rhs)]
		if !ok {
			return fmt.Errorf("missing value %q", strings.TrimSpace(rhs))
		}
		item[resolveName(strings.TrimSpace(lhs), names)] = v
	}
	return nil
}

func evalCondition(expr string, item Item, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	for _, disjunct := range strings.Split(expr, " OR ") {
		all := true
		for _, term := range strings.Split(disjunct, " AND ") {
			ok, err := evalTerm(strings.TrimSpace(term), item, names, values)
			if err != nil {
				return false, err
			}
			if !ok {
				all = false
				break
			}
		}
		if all {
			return true, nil
		}
	}
	return false, nil
}

func evalTerm(term string, item Item, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	if inner, ok := fnArg(term, "attribute_not_exists"); ok {
		_, exists := item[resolveName(inner, names)]
		return !exists, nil
	}
	if inner, ok := fnArg(term, "attribute_exists"); ok {
		_, exists := item[resolveName(inner, names)]
		return exists, nil
	}
	for _, op := range []string{"<>", "<=", ">=", "=", "<", ">"} {
		lhs, rhs, ok := strings.Cut(term, " "+op+" ")
		if !ok {
			continue
		}
		want, ok := values[strings.TrimSpace(rhs)]
		if !ok {
			return false, fmt.Errorf("missing value %q", strings.TrimSpace(rhs))
		}
		got, ok := item[resolveName(strings.TrimSpace(lhs), names)]
		if !ok {
			return false, nil
		}
		c, err := compare(got, want)
		if err != nil {
			return false, err
		}
		switch op {
		case "=":
			return c == 0, nil
		case "<>":
			return c != 0, nil
		case "<":
			return c < 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	}
	return false, fmt.Errorf("unsupported condition term %q", term)
}

func fnArg(term, fn string) (string, bool) {
	rest, ok := strings.CutPrefix(term, fn+"(")
	if !ok || !strings.HasSuffix(rest, ")") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimSuffix(rest, ")")), true
}

func compare(a, b types.AttributeValue) (int, error) {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return 0, errors.New("type mismatch comparing S")
		}
		return strings.Compare(av.Value, bv.Value), nil
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return 0, errors.New("type mismatch comparing N")
		}
		x, err := strconv.ParseFloat(av.Value, 64)
		if err != nil {
			return 0, err
		}
		y, err := strconv.ParseFloat(bv.Value, 64)
		if err != nil {
			return 0, err
		}
		switch {
		case x < y:
			return -1, nil
		case x > y:
			return 1, nil
		}
		return 0, nil
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		if !ok {
			return 0, errors.New("type mismatch comparing BOOL")
		}
		if av.Value == bv.Value {
			return 0, nil
		}
		return 1, nil
	}
	return 0, fmt.Errorf("unsupported attribute type %T", a)
}

func scalar(v types.AttributeValue) string {
	switch tv := v.(type) {
	case *types.AttributeValueMemberS:
		return "S:" + tv.Value
	case *types.AttributeValueMemberN:
		return "N:" + tv.Value
	}
	return fmt.Sprintf("%T", v)
}

func resolveName(name string, names map[string]string) string {
	if strings.HasPrefix(name, "#") {
		if n, ok := names[name]; ok {
			return n
		}
	}
	return name
}

func copyItem(item Item) Item {
	if item == nil {
		return nil
	}
	out := make(Item, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func strPtr(s string) *string { return &s }
