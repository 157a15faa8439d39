package taskconcierge

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestIdentityStrategy_DefaultStore(t *testing.T) {
	t.Parallel()
	assert.Equal(t, IdentityStoreFile, IdentityStrategyByFile.DefaultStore())
	assert.Equal(t, IdentityStoreMemory, IdentityStrategyByID.DefaultStore())
	assert.Equal(t, IdentityStoreMemory, IdentityStrategyByEmail.DefaultStore())
}

func TestFileIdentityStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db.json")

	store, err := newFileIdentityStore(path)
	require.NoError(t, err)

	_, ok, err := store.Get(ctx, "123456789012345678")
	require.NoError(t, err)
	assert.False(t, ok)

	// the file isn't created until something is written
	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	require.NoError(t, store.Put(ctx, "123456789012345678", "123456789012345678"))
	require.NoError(t, store.Put(ctx, "223456789012345678", "alice@example.com"))

	// reloaded from disk
	reloaded, err := newFileIdentityStore(path)
	require.NoError(t, err)
	accountID, ok, err := reloaded.Get(ctx, "123456789012345678")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "123456789012345678", accountID)

	all, err := reloaded.All(ctx)
	require.NoError(t, err)
	assert.Equal(
		t,
		map[string]string{
			"123456789012345678": "123456789012345678",
			"223456789012345678": "alice@example.com",
		},
		all,
	)

	// numeric account IDs are written as numbers
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(
		t,
		`{"123456789012345678":123456789012345678,"223456789012345678":"alice@example.com"}`,
		string(data),
	)

	require.NoError(t, reloaded.Delete(ctx, "223456789012345678"))
	require.NoError(t, reloaded.Delete(ctx, "does-not-exist"))
	entries, err := loadIdentityFile(path)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// no temp files left behind
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".db.json.*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFileIdentityStore_LoadExisting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db.json")
	require.NoError(
		t,
		os.WriteFile(
			path,
			[]byte(`{"111111111111111111": 111111111111111111, "222": "bob@example.com"}`),
			0o600,
		),
	)

	store, err := newFileIdentityStore(path)
	require.NoError(t, err)

	accountID, ok, err := store.Get(ctx, "111111111111111111")
	require.NoError(t, err)
	require.True(t, ok)
	// large IDs aren't mangled by float conversion
	assert.Equal(t, "111111111111111111", accountID)

	accountID, ok, err = store.Get(ctx, "222")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "bob@example.com", accountID)
}

func TestFileIdentityStore_Invalid(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte("  \n"), 0o600))
	store, err := newFileIdentityStore(empty)
	require.NoError(t, err)
	all, err := store.All(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"123": true}`), 0o600))
	_, err = newFileIdentityStore(bad)
	assert.Error(t, err)

	notJSON := filepath.Join(dir, "not.json")
	require.NoError(t, os.WriteFile(notJSON, []byte(`not json`), 0o600))
	_, err = newFileIdentityStore(notJSON)
	assert.Error(t, err)
}

func TestFileIdentityStore_PutFailureRollsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "missing-dir", "db.json")

	store, err := newFileIdentityStore(path)
	require.NoError(t, err)

	require.Error(t, store.Put(ctx, "123", "123"))
	_, ok, err := store.Get(ctx, "123")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileIdentityStore_ConcurrentPuts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db.json")
	store, err := newFileIdentityStore(path)
	require.NoError(t, err)

	wg := sync.WaitGroup{}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := nextTestID(8)
			assert.NoError(t, store.Put(ctx, id, id))
		}()
	}
	wg.Wait()

	entries, err := loadIdentityFile(path)
	require.NoError(t, err)
	assert.Len(t, entries, 20)
}

func TestIdentityFileValue(t *testing.T) {
	t.Parallel()
	var v identityFileValue
	require.NoError(t, json.Unmarshal([]byte(`"abc"`), &v))
	assert.Equal(t, identityFileValue("abc"), v)

	require.NoError(t, json.Unmarshal([]byte(`987654321098765432`), &v))
	assert.Equal(t, identityFileValue("987654321098765432"), v)

	assert.Error(t, json.Unmarshal([]byte(`[1]`), &v))

	data, err := json.Marshal(identityFileValue("42"))
	require.NoError(t, err)
	assert.Equal(t, `42`, string(data))

	data, err = json.Marshal(identityFileValue("a@b.co"))
	require.NoError(t, err)
	assert.Equal(t, `"a@b.co"`, string(data))
}

func TestMemoryIdentityStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemoryIdentityStore()

	require.NoError(t, store.Put(ctx, "u1", "a1"))
	v, ok, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a1", v)

	all, err := store.All(ctx)
	require.NoError(t, err)
	all["u2"] = "a2"
	again, err := store.All(ctx)
	require.NoError(t, err)
	assert.Len(t, again, 1)

	require.NoError(t, store.Delete(ctx, "u1"))
	_, ok, err = store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

// recordingNotifier is a DBNotifier which records identity updates
type recordingNotifier struct {
	mu      sync.Mutex
	updated []string
}

func (r *recordingNotifier) ID() string { return "recording" }

func (r *recordingNotifier) IdentityUpdated(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, userID)
	return nil
}

func (r *recordingNotifier) Stop(_ context.Context) error { return nil }

func (r *recordingNotifier) Listen(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func TestDatabaseIdentityStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := setupTestDB(t)
	notifier := &recordingNotifier{}
	store := newDatabaseIdentityStore(db, notifier, nil)

	_, ok, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, "u1", "a1"))
	v, ok, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a1", v)

	// upsert
	require.NoError(t, store.Put(ctx, "u1", "a2"))
	var count int64
	require.NoError(t, db.Model(&Identity{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	// a second store (another instance) sees the update
	other := newDatabaseIdentityStore(db, nil, nil)
	v, ok, err = other.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a2", v)

	// a change made elsewhere is only seen after invalidation
	require.NoError(
		t,
		db.Model(&Identity{}).Where(&Identity{UserID: "u1"}).Update(columnIdentityAccountID, "a3").Error,
	)
	v, _, _ = other.Get(ctx, "u1")
	assert.Equal(t, "a2", v)
	other.invalidate("u1")
	v, _, _ = other.Get(ctx, "u1")
	assert.Equal(t, "a3", v)

	require.NoError(t, store.Delete(ctx, "u1"))
	_, ok, err = store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.Equal(t, []string{"u1", "u1", "u1"}, notifier.updated)
}

func TestNewIdentityStore(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	store, err := newIdentityStore(
		&IdentityConfig{Strategy: IdentityStrategyByFile, File: filepath.Join(dir, "db.json")},
		nil, nil, nil,
	)
	require.NoError(t, err)
	assert.IsType(t, &fileIdentityStore{}, store)

	store, err = newIdentityStore(&IdentityConfig{Strategy: IdentityStrategyByID}, nil, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &memoryIdentityStore{}, store)

	_, err = newIdentityStore(
		&IdentityConfig{Strategy: IdentityStrategyByID, Store: IdentityStoreDatabase},
		nil, nil, nil,
	)
	assert.Error(t, err)

	store, err = newIdentityStore(
		&IdentityConfig{Strategy: IdentityStrategyByEmail, Store: IdentityStoreDatabase},
		setupTestDB(t), nil, nil,
	)
	require.NoError(t, err)
	assert.IsType(t, &databaseIdentityStore{}, store)

	_, err = newIdentityStore(
		&IdentityConfig{Strategy: IdentityStrategyByID, Store: "s3"},
		nil, nil, nil,
	)
	assert.Error(t, err)
}

// scriptedPrompter answers prompts from a fixed list of replies
type scriptedPrompter struct {
	mu      sync.Mutex
	replies []string
	err     error
	prompts []string
}

func (p *scriptedPrompter) Prompt(
	_ context.Context,
	_ string,
	_ string,
	prompt string,
	_ time.Duration,
) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, prompt)
	if p.err != nil {
		return "", p.err
	}
	if len(p.replies) == 0 {
		return "", ErrReplyTimeout
	}
	reply := p.replies[0]
	p.replies = p.replies[1:]
	return reply, nil
}

func (p *scriptedPrompter) SendMessage(_ context.Context, _ string, _ string) error {
	return nil
}

func identityMessage(userID string) *discordgo.Message {
	return &discordgo.Message{
		ID:        nextTestID(5),
		ChannelID: testChannelID,
		Author:    &discordgo.User{ID: userID, Username: "user"},
	}
}

func TestIdentityResolver_ByID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemoryIdentityStore()
	r, err := newIdentityResolver(
		&IdentityConfig{Strategy: IdentityStrategyByID},
		store,
		nil,
		nil,
	)
	require.NoError(t, err)

	m := identityMessage("u1")
	accountID, created, err := r.Resolve(ctx, m)
	require.NoError(t, err)
	assert.True(t, created)
	_, err = uuid.Parse(accountID)
	assert.NoError(t, err)

	// stable on subsequent calls
	again, created, err := r.Resolve(ctx, m)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, accountID, again)

	other, _, err := r.Resolve(ctx, identityMessage("u2"))
	require.NoError(t, err)
	assert.NotEqual(t, accountID, other)
}

func TestIdentityResolver_ByFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db.json")
	store, err := newFileIdentityStore(path)
	require.NoError(t, err)
	r, err := newIdentityResolver(
		&IdentityConfig{Strategy: IdentityStrategyByFile, File: path},
		store,
		nil,
		nil,
	)
	require.NoError(t, err)

	accountID, created, err := r.Resolve(ctx, identityMessage("555"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "555", accountID)

	entries, err := loadIdentityFile(path)
	require.NoError(t, err)
	assert.Equal(t, identityFileValue("555"), entries["555"])
}

func TestIdentityResolver_ByEmail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := &IdentityConfig{
		Strategy:          IdentityStrategyByEmail,
		EmailReplyTimeout: time.Second,
		EmailMaxAttempts:  3,
	}

	t.Run(
		"valid after retry", func(t *testing.T) {
			t.Parallel()
			prompter := &scriptedPrompter{replies: []string{"nope", "carol@example.com"}}
			r, err := newIdentityResolver(cfg, newMemoryIdentityStore(), prompter, nil)
			require.NoError(t, err)

			accountID, created, err := r.Resolve(ctx, identityMessage("u1"))
			require.NoError(t, err)
			assert.True(t, created)
			assert.Equal(t, "carol@example.com", accountID)
			assert.Equal(t, []string{emailPromptMessage, emailInvalidMessage}, prompter.prompts)
		},
	)

	t.Run(
		"max attempts", func(t *testing.T) {
			t.Parallel()
			prompter := &scriptedPrompter{replies: []string{"a", "b", "c", "d@example.com"}}
			store := newMemoryIdentityStore()
			r, err := newIdentityResolver(cfg, store, prompter, nil)
			require.NoError(t, err)

			_, created, err := r.Resolve(ctx, identityMessage("u1"))
			require.ErrorIs(t, err, ErrMaxAttempts)
			require.ErrorIs(t, err, ErrInvalidEmail)
			assert.False(t, created)
			assert.Len(t, prompter.prompts, 3)

			all, _ := store.All(ctx)
			assert.Empty(t, all)
		},
	)

	t.Run(
		"timeout", func(t *testing.T) {
			t.Parallel()
			prompter := &scriptedPrompter{}
			store := newMemoryIdentityStore()
			r, err := newIdentityResolver(cfg, store, prompter, nil)
			require.NoError(t, err)

			_, _, err = r.Resolve(ctx, identityMessage("u1"))
			require.ErrorIs(t, err, ErrReplyTimeout)
			all, _ := store.All(ctx)
			assert.Empty(t, all)
		},
	)

	t.Run(
		"requires prompter", func(t *testing.T) {
			t.Parallel()
			_, err := newIdentityResolver(cfg, newMemoryIdentityStore(), nil, nil)
			assert.Error(t, err)
		},
	)
}

func TestIdentityResolver_UnknownStrategy(t *testing.T) {
	t.Parallel()
	_, err := newIdentityResolver(
		&IdentityConfig{Strategy: "by-guess"},
		newMemoryIdentityStore(),
		nil,
		nil,
	)
	assert.Error(t, err)
}

type mockIdentityStore struct {
	mock.Mock
}

func (m *mockIdentityStore) Get(ctx context.Context, userID string) (string, bool, error) {
	args := m.Called(ctx, userID)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *mockIdentityStore) Put(ctx context.Context, userID string, accountID string) error {
	args := m.Called(ctx, userID, accountID)
	return args.Error(0)
}

func (m *mockIdentityStore) All(ctx context.Context) (map[string]string, error) {
	args := m.Called(ctx)
	rv, _ := args.Get(0).(map[string]string)
	return rv, args.Error(1)
}

func (m *mockIdentityStore) Delete(ctx context.Context, userID string) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

func TestIdentityResolver_StoreErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	lookupErr := errors.New("lookup failed")
	saveErr := errors.New("disk full")

	store := &mockIdentityStore{}
	store.On("Get", mock.Anything, "111").Return("", false, lookupErr).Once()
	store.On("Get", mock.Anything, "222").Return("", false, nil).Once()
	store.On("Put", mock.Anything, "222", "222").Return(saveErr).Once()
	store.On("Get", mock.Anything, "333").Return("acct-333", true, nil).Once()

	r, err := newIdentityResolver(
		&IdentityConfig{Strategy: IdentityStrategyByFile},
		store,
		nil,
		nil,
	)
	require.NoError(t, err)

	_, created, err := r.Resolve(ctx, identityMessage("111"))
	assert.ErrorIs(t, err, lookupErr)
	assert.False(t, created)

	_, created, err = r.Resolve(ctx, identityMessage("222"))
	assert.ErrorIs(t, err, saveErr)
	assert.False(t, created)

	accountID, created, err := r.Resolve(ctx, identityMessage("333"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "acct-333", accountID)

	store.AssertExpectations(t)
	store.AssertNotCalled(t, "Put", mock.Anything, "333", mock.Anything)
}
