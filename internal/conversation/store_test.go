package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	pgx "github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStoreContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, err := store.GetOrCreate(ctx, "")
	assert.ErrorIs(t, err, ErrMalformedInput)

	_, err = store.Get(ctx, "5500000000000")
	assert.ErrorIs(t, err, ErrNotFound)

	created, err := store.GetOrCreate(ctx, testPhone)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, testPhone, created.Phone)
	assert.Equal(t, StateStart, created.State)
	assert.True(t, created.Context.IsEmpty())
	assert.EqualValues(t, 1, created.Version)

	again, err := store.GetOrCreate(ctx, testPhone)
	require.NoError(t, err)
	assert.Equal(t, created.ID, again.ID)

	stale := created.Clone()
	created.State = StateAwaitingCPF
	created.Context = NewFlowContext(ActionBook, ExpectCPF)
	require.NoError(t, store.Save(ctx, created))
	assert.EqualValues(t, 2, created.Version)

	loaded, err := store.Get(ctx, testPhone)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingCPF, loaded.State)
	assert.Equal(t, ActionBook, loaded.Context.Action)
	assert.Equal(t, ExpectCPF, loaded.Context.Expecting)
	assert.EqualValues(t, 2, loaded.Version)

	err = store.Save(ctx, stale)
	assert.ErrorIs(t, err, ErrVersionConflict)

	loaded.State = State("nao_existe")
	err = store.Save(ctx, loaded)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrVersionConflict))
}

func TestMemoryStoreContract(t *testing.T) {
	exerciseStoreContract(t, NewMemoryStore())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	conv, err := store.GetOrCreate(context.Background(), testPhone)
	require.NoError(t, err)
	conv.State = StateFinished

	again, err := store.Get(context.Background(), testPhone)
	require.NoError(t, err)
	assert.Equal(t, StateStart, again.State)
}

func TestMemoryStoreConcurrentGetOrCreate(t *testing.T) {
	store := NewMemoryStore()
	var wg sync.WaitGroup
	ids := make([]string, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, err := store.GetOrCreate(context.Background(), testPhone)
			if err == nil {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, store.Len())
}

func TestRedisStoreContract(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisStore(client)
	exerciseStoreContract(t, store)

	assert.True(t, mr.Exists(stateKey(testPhone)))
	assert.Greater(t, mr.TTL(stateKey(testPhone)), time.Duration(0))
}

func TestPGStoreGetOrCreate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := newPGStore(mock)
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO conversations").
		WithArgs(pgxmock.AnyArg(), testPhone, "inicio", pgxmock.AnyArg(), int64(1), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT id, phone, state, context, version").
		WithArgs(testPhone).
		WillReturnRows(pgxmock.NewRows([]string{"id", "phone", "state", "context", "version", "created_at", "updated_at"}).
			AddRow("conv-1", testPhone, "aguardando_cpf", []byte(`{"acao":"agendar","expecting":"cpf"}`), int64(3), now, now))

	conv, err := store.GetOrCreate(context.Background(), testPhone)
	require.NoError(t, err)
	assert.Equal(t, "conv-1", conv.ID)
	assert.Equal(t, StateAwaitingCPF, conv.State)
	assert.Equal(t, ActionBook, conv.Context.Action)
	assert.EqualValues(t, 3, conv.Version)
	_, isBooking := conv.Context.Booking()
	assert.True(t, isBooking)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreGetNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM conversations").WithArgs(testPhone).WillReturnError(pgx.ErrNoRows)

	_, err = newPGStore(mock).Get(context.Background(), testPhone)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreSaveCompareAndSwap(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := newPGStore(mock)
	conv := &Conversation{ID: "conv-1", Phone: testPhone, State: StateMainMenu, Version: 3}

	mock.ExpectExec("UPDATE conversations").
		WithArgs("menu_principal", pgxmock.AnyArg(), pgxmock.AnyArg(), testPhone, int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.Save(context.Background(), conv))
	assert.EqualValues(t, 4, conv.Version)

	stale := &Conversation{ID: "conv-1", Phone: testPhone, State: StateFinished, Version: 3}
	mock.ExpectExec("UPDATE conversations").
		WithArgs("finalizada", pgxmock.AnyArg(), pgxmock.AnyArg(), testPhone, int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	assert.ErrorIs(t, store.Save(context.Background(), stale), ErrVersionConflict)
	assert.EqualValues(t, 3, stale.Version)

	mock.ExpectExec("UPDATE conversations").
		WithArgs("finalizada", pgxmock.AnyArg(), pgxmock.AnyArg(), testPhone, int64(3)).
		WillReturnError(errors.New("connection reset"))
	err = store.Save(context.Background(), stale)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrVersionConflict))

	require.NoError(t, mock.ExpectationsWereMet())
}

// fakeDynamo evaluates the two condition expressions the store uses.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
	puts  []*dynamodb.PutItemInput
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, in)

	phone := in.Item["phone"].(*types.AttributeValueMemberS).Value
	current, exists := f.items[phone]
	switch aws.ToString(in.ConditionExpression) {
	case "attribute_not_exists(phone)":
		if exists {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
		}
	case "attribute_not_exists(phone) OR #version = :expected":
		if exists {
			stored := current["version"].(*types.AttributeValueMemberN).Value
			expected := in.ExpressionAttributeValues[":expected"].(*types.AttributeValueMemberN).Value
			if stored != expected {
				return nil, &types.ConditionalCheckFailedException{Message: aws.String("version")}
			}
		}
	}
	f.items[phone] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	phone := in.Key["phone"].(*types.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: f.items[phone]}, nil
}

func TestDynamoStoreContract(t *testing.T) {
	fake := newFakeDynamo()
	exerciseStoreContract(t, NewDynamoStore(fake, "whatsapp_conversations"))

	require.NotEmpty(t, fake.puts)
	assert.Equal(t, "whatsapp_conversations", aws.ToString(fake.puts[0].TableName))
}

func TestDynamoStorePropagatesErrors(t *testing.T) {
	store := NewDynamoStore(&failingDynamo{err: errors.New("throttled")}, "t")
	_, err := store.GetOrCreate(context.Background(), testPhone)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}

type failingDynamo struct{ err error }

func (f *failingDynamo) PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	return nil, f.err
}

func (f *failingDynamo) GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return nil, f.err
}
