package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	st, err := Open(ctx, "", filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(ctx))
	return st
}

func seedTestUser(t *testing.T, st *Store, email string) *User {
	t.Helper()
	now := time.Now()
	u := &User{
		ID:        uuid.NewString(),
		Status:    UserActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if email != "" {
		u.Email = &email
	}
	require.NoError(t, st.CreateUser(context.Background(), u))
	return u
}

func costsClose(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	diff := got.Sub(decimal.RequireFromString(want)).Abs()
	assert.True(t, diff.LessThan(decimal.RequireFromString("0.000001")),
		"want ~%s got %s", want, got)
}

func TestMigrateIsIdempotent(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Ping(context.Background()))
}

func TestUserRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	u := seedTestUser(t, st, "a@example.com")

	got, err := st.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	require.NotNil(t, got.Email)
	assert.Equal(t, "a@example.com", *got.Email)
	assert.Nil(t, got.Name)
	assert.Equal(t, UserActive, got.Status)
	assert.WithinDuration(t, u.CreatedAt, got.CreatedAt, time.Millisecond)

	_, err = st.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	st := openTestStore(t)
	seedTestUser(t, st, "dup@example.com")

	email := "dup@example.com"
	now := time.Now()
	err := st.CreateUser(context.Background(), &User{
		ID:        uuid.NewString(),
		Email:     &email,
		Status:    UserActive,
		CreatedAt: now,
		UpdatedAt: now,
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestCreateUsersWithoutEmail(t *testing.T) {
	st := openTestStore(t)
	// NULL emails must not collide on the unique index.
	seedTestUser(t, st, "")
	seedTestUser(t, st, "")
}

func TestUpdateUserStatus(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	u := seedTestUser(t, st, "s@example.com")

	require.NoError(t, st.UpdateUserStatus(ctx, u.ID, UserSuspended))
	got, err := st.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, UserSuspended, got.Status)

	assert.ErrorIs(t, st.UpdateUserStatus(ctx, "missing", UserSuspended), ErrNotFound)
}

func TestListUsersOrderAndPaging(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	var ids []string
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		u := &User{ID: uuid.NewString(), Status: UserActive, CreatedAt: at, UpdatedAt: at}
		require.NoError(t, st.CreateUser(ctx, u))
		ids = append(ids, u.ID)
	}

	users, err := st.ListUsers(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, ids[2], users[0].ID, "newest first")

	users, err = st.ListUsers(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, ids[0], users[0].ID)
}

func TestKeyLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	u := seedTestUser(t, st, "k@example.com")

	name := "ci"
	k := &APIKey{
		ID:        uuid.NewString(),
		UserID:    u.ID,
		KeyHash:   "$argon2id$v=19$m=19456,t=2,p=1$c2FsdA$aGFzaA",
		Prefix:    "llmg_abcdefg",
		Name:      &name,
		Status:    KeyActive,
		CreatedAt: time.Now(),
	}
	require.NoError(t, st.CreateKey(ctx, k))

	got, err := st.GetKey(ctx, k.ID)
	require.NoError(t, err)
	assert.Equal(t, k.Prefix, got.Prefix)
	require.NotNil(t, got.Name)
	assert.Equal(t, "ci", *got.Name)
	assert.Nil(t, got.LastUsedAt)

	matches, err := st.GetActiveKeysByPrefix(ctx, k.Prefix)
	require.NoError(t, err)
	require.Len(t, matches, 1)

	at := time.Now()
	require.NoError(t, st.TouchKeyLastUsed(ctx, k.ID, at))
	got, err = st.GetKey(ctx, k.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastUsedAt)
	assert.WithinDuration(t, at, *got.LastUsedAt, time.Millisecond)

	require.NoError(t, st.RevokeKey(ctx, k.ID))
	matches, err = st.GetActiveKeysByPrefix(ctx, k.Prefix)
	require.NoError(t, err)
	assert.Empty(t, matches, "revoked keys must not match by prefix")

	got, err = st.GetKey(ctx, k.ID)
	require.NoError(t, err)
	assert.Equal(t, KeyRevoked, got.Status)

	assert.ErrorIs(t, st.RevokeKey(ctx, "missing"), ErrNotFound)
}

func TestRevokeKeysForUser(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	u1 := seedTestUser(t, st, "u1@example.com")
	u2 := seedTestUser(t, st, "u2@example.com")

	for i, owner := range []string{u1.ID, u1.ID, u2.ID} {
		require.NoError(t, st.CreateKey(ctx, &APIKey{
			ID:        uuid.NewString(),
			UserID:    owner,
			KeyHash:   "h",
			Prefix:    "llmg_prefix" + string(rune('0'+i)),
			Status:    KeyActive,
			CreatedAt: time.Now(),
		}))
	}

	require.NoError(t, st.RevokeKeysForUser(ctx, u1.ID))

	keys, err := st.ListKeysByUser(ctx, u1.ID)
	require.NoError(t, err)
	for _, k := range keys {
		assert.Equal(t, KeyRevoked, k.Status)
	}

	keys, err = st.ListKeysByUser(ctx, u2.ID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, KeyActive, keys[0].Status)
}

func TestQuotaRoundTripAndPatch(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	u := seedTestUser(t, st, "q@example.com")

	now := time.Now()
	require.NoError(t, st.CreateQuota(ctx, &Quota{
		UserID:        u.ID,
		DailyRequests: 100,
		DailyTokens:   5000,
		MaxConcurrent: 3,
		CreatedAt:     now,
		UpdatedAt:     now,
	}))

	q, err := st.GetQuota(ctx, u.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 100, q.DailyRequests)
	assert.Nil(t, q.MonthlySpendCap)

	newRequests := int64(50)
	q, err = st.UpdateQuota(ctx, u.ID, QuotaPatch{DailyRequests: &newRequests})
	require.NoError(t, err)
	assert.EqualValues(t, 50, q.DailyRequests)
	assert.EqualValues(t, 5000, q.DailyTokens)

	cap := decimal.RequireFromString("25.50")
	capPtr := &cap
	q, err = st.UpdateQuota(ctx, u.ID, QuotaPatch{MonthlySpendCap: &capPtr})
	require.NoError(t, err)
	require.NotNil(t, q.MonthlySpendCap)
	costsClose(t, "25.50", *q.MonthlySpendCap)

	var uncap *decimal.Decimal
	q, err = st.UpdateQuota(ctx, u.ID, QuotaPatch{MonthlySpendCap: &uncap})
	require.NoError(t, err)
	assert.Nil(t, q.MonthlySpendCap)

	// An empty patch reads back the current row.
	q, err = st.UpdateQuota(ctx, u.ID, QuotaPatch{})
	require.NoError(t, err)
	assert.EqualValues(t, 50, q.DailyRequests)

	_, err = st.UpdateQuota(ctx, "missing", QuotaPatch{DailyRequests: &newRequests})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = st.GetQuota(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordUsageUpdatesAggregates(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	u := seedTestUser(t, st, "usage@example.com")

	now := time.Now()
	day := Day(now)
	for i, cost := range []string{"0.001", "0.002"} {
		require.NoError(t, st.RecordUsage(ctx, &UsageRecord{
			ID:           uuid.NewString(),
			UserID:       u.ID,
			RequestID:    uuid.NewString(),
			Provider:     "openai",
			Model:        "gpt-4o-mini",
			InputTokens:  100,
			OutputTokens: 50,
			CostEstimate: decimal.RequireFromString(cost),
			LatencyMs:    int64(100 + i),
			Status:       UsageSuccess,
			CreatedAt:    now.Add(time.Duration(i) * time.Second),
		}))
	}

	agg, err := st.GetDayUsage(ctx, u.ID, day)
	require.NoError(t, err)
	assert.EqualValues(t, 2, agg.RequestCount)
	assert.EqualValues(t, 300, agg.TotalTokens)
	costsClose(t, "0.003", agg.TotalCost)

	_, err = st.GetDayUsage(ctx, u.ID, "1999-01-01")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordUsageDuplicateRequestID(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	u := seedTestUser(t, st, "dupreq@example.com")

	now := time.Now()
	rec := &UsageRecord{
		ID:           uuid.NewString(),
		UserID:       u.ID,
		RequestID:    "req-1",
		Provider:     "openai",
		Model:        "gpt-4o-mini",
		InputTokens:  10,
		OutputTokens: 5,
		CostEstimate: decimal.RequireFromString("0.001"),
		Status:       UsageSuccess,
		CreatedAt:    now,
	}
	require.NoError(t, st.RecordUsage(ctx, rec))

	dup := *rec
	dup.ID = uuid.NewString()
	err := st.RecordUsage(ctx, &dup)
	assert.ErrorIs(t, err, ErrConflict)

	// The failed transaction must not have touched the aggregate.
	agg, err := st.GetDayUsage(ctx, u.ID, Day(now))
	require.NoError(t, err)
	assert.EqualValues(t, 1, agg.RequestCount)
}

func TestListUsageNewestFirst(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	u := seedTestUser(t, st, "list@example.com")

	base := time.Now().Add(-time.Minute)
	errMsg := "upstream timeout"
	for i := 0; i < 3; i++ {
		rec := &UsageRecord{
			ID:           uuid.NewString(),
			UserID:       u.ID,
			RequestID:    uuid.NewString(),
			Provider:     "anthropic",
			Model:        "claude-3-5-haiku-20241022",
			InputTokens:  10,
			OutputTokens: 5,
			CostEstimate: decimal.RequireFromString("0.001"),
			Status:       UsageSuccess,
			CreatedAt:    base.Add(time.Duration(i) * time.Second),
		}
		if i == 2 {
			rec.Status = UsageError
			rec.ErrorMessage = &errMsg
		}
		require.NoError(t, st.RecordUsage(ctx, rec))
	}

	records, err := st.ListUsage(ctx, u.ID, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, UsageError, records[0].Status)
	require.NotNil(t, records[0].ErrorMessage)
	assert.Equal(t, errMsg, *records[0].ErrorMessage)
	assert.Nil(t, records[1].ErrorMessage)
	assert.True(t, records[0].CreatedAt.After(records[1].CreatedAt))
}

func TestSumUsageRange(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	u := seedTestUser(t, st, "sum@example.com")

	days := []time.Time{
		time.Date(2024, 5, 31, 12, 0, 0, 0, time.Local),
		time.Date(2024, 6, 1, 12, 0, 0, 0, time.Local),
		time.Date(2024, 6, 2, 12, 0, 0, 0, time.Local),
	}
	for _, at := range days {
		require.NoError(t, st.RecordUsage(ctx, &UsageRecord{
			ID:           uuid.NewString(),
			UserID:       u.ID,
			RequestID:    uuid.NewString(),
			Provider:     "openai",
			Model:        "gpt-4o",
			InputTokens:  100,
			OutputTokens: 100,
			CostEstimate: decimal.RequireFromString("0.01"),
			Status:       UsageSuccess,
			CreatedAt:    at,
		}))
	}

	totals, err := st.SumUsageRange(ctx, u.ID, "2024-06-01", "2024-06-30")
	require.NoError(t, err)
	assert.EqualValues(t, 2, totals.Requests)
	assert.EqualValues(t, 400, totals.Tokens)
	costsClose(t, "0.02", totals.CostUSD)

	totals, err = st.SumUsageRange(ctx, u.ID, "", "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, totals.Requests)

	totals, err = st.SumUsageRange(ctx, "missing", "", "")
	require.NoError(t, err)
	assert.EqualValues(t, 0, totals.Requests)
	assert.True(t, totals.CostUSD.IsZero())
}
