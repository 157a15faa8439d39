package taskconcierge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IdentityStrategy determines how a Discord user is mapped to the
// account ID used with the broker
type IdentityStrategy string

const (
	// IdentityStrategyByID generates a random account ID for each new user
	IdentityStrategyByID IdentityStrategy = "by-id"

	// IdentityStrategyByEmail asks new users for their email address,
	// which becomes their account ID
	IdentityStrategyByEmail IdentityStrategy = "by-email"

	// IdentityStrategyByFile uses the Discord user ID as the account ID,
	// persisted to a JSON file
	IdentityStrategyByFile IdentityStrategy = "by-file"
)

// IdentityStoreType selects the IdentityStore backend
type IdentityStoreType string

const (
	IdentityStoreMemory   IdentityStoreType = "memory"
	IdentityStoreFile     IdentityStoreType = "file"
	IdentityStoreDatabase IdentityStoreType = "database"
)

// DefaultStore returns the store used by the strategy when none
// is configured
func (s IdentityStrategy) DefaultStore() IdentityStoreType {
	switch s {
	case IdentityStrategyByFile:
		return IdentityStoreFile
	default:
		return IdentityStoreMemory
	}
}

// IdentityStore maps Discord user IDs to account IDs
type IdentityStore interface {
	// Get returns the account ID for the given Discord user ID, and
	// whether a mapping was found
	Get(ctx context.Context, userID string) (string, bool, error)
	Put(ctx context.Context, userID string, accountID string) error
	All(ctx context.Context) (map[string]string, error)
	Delete(ctx context.Context, userID string) error
}

// memoryIdentityStore is an IdentityStore which is lost on exit
type memoryIdentityStore struct {
	mu      sync.RWMutex
	entries map[string]string
}

func newMemoryIdentityStore() *memoryIdentityStore {
	return &memoryIdentityStore{entries: map[string]string{}}
}

func (s *memoryIdentityStore) Get(
	_ context.Context,
	userID string,
) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[userID]
	return v, ok, nil
}

func (s *memoryIdentityStore) Put(
	_ context.Context,
	userID string,
	accountID string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[userID] = accountID
	return nil
}

func (s *memoryIdentityStore) All(_ context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rv := make(map[string]string, len(s.entries))
	for k, v := range s.entries {
		rv[k] = v
	}
	return rv, nil
}

func (s *memoryIdentityStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, userID)
	return nil
}

// identityFileValue is a value in the JSON identity file, which may be
// written either as a number (a Discord user ID) or a string.
type identityFileValue string

func (v *identityFileValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = identityFileValue(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("identity value must be a string or number: %w", err)
	}
	*v = identityFileValue(n.String())
	return nil
}

func (v identityFileValue) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseUint(string(v), 10, 64); err == nil {
		return []byte(v), nil
	}
	return json.Marshal(string(v))
}

// fileIdentityStore keeps the mapping in memory and rewrites the
// whole JSON file on every change
type fileIdentityStore struct {
	mu      sync.RWMutex
	path    string
	entries map[string]identityFileValue
}

// loadIdentityFile reads the mapping at path. A missing file is treated
// as an empty mapping.
func loadIdentityFile(path string) (map[string]identityFileValue, error) {
	entries := map[string]identityFileValue{}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return entries, nil
		}
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return entries, nil
	}
	if err = json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("error parsing identity file %q: %w", path, err)
	}
	return entries, nil
}

func newFileIdentityStore(path string) (*fileIdentityStore, error) {
	entries, err := loadIdentityFile(path)
	if err != nil {
		return nil, err
	}
	return &fileIdentityStore{path: path, entries: entries}, nil
}

func (s *fileIdentityStore) Get(
	_ context.Context,
	userID string,
) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[userID]
	return string(v), ok, nil
}

func (s *fileIdentityStore) Put(
	_ context.Context,
	userID string,
	accountID string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.entries[userID]
	s.entries[userID] = identityFileValue(accountID)
	if err := s.save(); err != nil {
		if existed {
			s.entries[userID] = prev
		} else {
			delete(s.entries, userID)
		}
		return err
	}
	return nil
}

func (s *fileIdentityStore) All(_ context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rv := make(map[string]string, len(s.entries))
	for k, v := range s.entries {
		rv[k] = string(v)
	}
	return rv, nil
}

func (s *fileIdentityStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.entries[userID]
	if !ok {
		return nil
	}
	delete(s.entries, userID)
	if err := s.save(); err != nil {
		s.entries[userID] = prev
		return err
	}
	return nil
}

// save writes the mapping to a temp file in the same directory, syncs
// it and renames it over the original. Callers must hold the lock.
func (s *fileIdentityStore) save() error {
	data, err := json.Marshal(s.entries)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("error creating temp identity file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err = tmp.Write(data); err != nil {
		return errors.Join(err, tmp.Close(), os.Remove(tmpName))
	}
	if err = tmp.Sync(); err != nil {
		return errors.Join(err, tmp.Close(), os.Remove(tmpName))
	}
	if err = tmp.Close(); err != nil {
		return errors.Join(err, os.Remove(tmpName))
	}
	if err = os.Rename(tmpName, s.path); err != nil {
		return errors.Join(err, os.Remove(tmpName))
	}
	return nil
}

// databaseIdentityStore persists the mapping with the Identity model.
// Lookups are cached, and the cache is invalidated by notifications
// from other instances (see DBNotifier).
type databaseIdentityStore struct {
	db       *gorm.DB
	notifier DBNotifier
	mu       sync.RWMutex
	cache    map[string]string
	logger   *slog.Logger
}

func newDatabaseIdentityStore(
	db *gorm.DB,
	notifier DBNotifier,
	logger *slog.Logger,
) *databaseIdentityStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &databaseIdentityStore{
		db:       db,
		notifier: notifier,
		cache:    map[string]string{},
		logger:   logger,
	}
}

func (s *databaseIdentityStore) Get(
	ctx context.Context,
	userID string,
) (string, bool, error) {
	s.mu.RLock()
	v, ok := s.cache[userID]
	s.mu.RUnlock()
	if ok {
		return v, true, nil
	}

	var ident Identity
	rv := s.db.WithContext(ctx).Where(
		&Identity{UserID: userID},
	).Limit(1).Find(&ident)
	if rv.Error != nil {
		return "", false, rv.Error
	}
	if rv.RowsAffected == 0 {
		return "", false, nil
	}

	s.mu.Lock()
	s.cache[userID] = ident.AccountID
	s.mu.Unlock()
	return ident.AccountID, true, nil
}

func (s *databaseIdentityStore) Put(
	ctx context.Context,
	userID string,
	accountID string,
) error {
	ident := &Identity{UserID: userID, AccountID: accountID}
	rv := s.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: columnIdentityUserID}},
			DoUpdates: clause.AssignmentColumns([]string{columnIdentityAccountID, "updated_at"}),
		},
	).Create(ident)
	if rv.Error != nil {
		return rv.Error
	}

	s.mu.Lock()
	s.cache[userID] = accountID
	s.mu.Unlock()
	s.notify(ctx, userID)
	return nil
}

func (s *databaseIdentityStore) All(ctx context.Context) (map[string]string, error) {
	var idents []Identity
	if rv := s.db.WithContext(ctx).Find(&idents); rv.Error != nil {
		return nil, rv.Error
	}
	m := make(map[string]string, len(idents))
	for _, i := range idents {
		m[i.UserID] = i.AccountID
	}
	return m, nil
}

func (s *databaseIdentityStore) Delete(ctx context.Context, userID string) error {
	rv := s.db.WithContext(ctx).Where(
		&Identity{UserID: userID},
	).Delete(&Identity{})
	if rv.Error != nil {
		return rv.Error
	}
	s.invalidate(userID)
	s.notify(ctx, userID)
	return nil
}

// invalidate drops the cached mapping for the given user
func (s *databaseIdentityStore) invalidate(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, userID)
}

func (s *databaseIdentityStore) notify(ctx context.Context, userID string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.IdentityUpdated(ctx, userID); err != nil {
		s.logger.WarnContext(
			ctx,
			"error sending identity update notification",
			"user_id", userID,
			tint.Err(err),
		)
	}
}

// newIdentityStore returns the IdentityStore for the given config.
// db and notifier are only used by the database store.
func newIdentityStore(
	cfg *IdentityConfig,
	db *gorm.DB,
	notifier DBNotifier,
	logger *slog.Logger,
) (IdentityStore, error) {
	storeType := cfg.Store
	if storeType == "" {
		storeType = cfg.Strategy.DefaultStore()
	}

	switch storeType {
	case IdentityStoreMemory:
		return newMemoryIdentityStore(), nil
	case IdentityStoreFile:
		return newFileIdentityStore(cfg.File)
	case IdentityStoreDatabase:
		if db == nil {
			return nil, errors.New("database identity store requires a database")
		}
		return newDatabaseIdentityStore(db, notifier, logger), nil
	default:
		return nil, fmt.Errorf("unknown identity store: %q", storeType)
	}
}

// chatPrompter sends a prompt to a channel and waits for the given user's
// next message in it
type chatPrompter interface {
	Prompt(
		ctx context.Context,
		channelID string,
		userID string,
		prompt string,
		timeout time.Duration,
	) (string, error)
	SendMessage(ctx context.Context, channelID string, content string) error
}

// IdentityResolver maps the author of a message to an account ID,
// creating the mapping on first contact. created is true only when a
// new mapping was written.
type IdentityResolver interface {
	Resolve(ctx context.Context, m *discordgo.Message) (
		accountID string,
		created bool,
		err error,
	)
}

// newAccountFunc produces the account ID for a user who has no mapping
type newAccountFunc func(ctx context.Context, m *discordgo.Message) (string, error)

// identityResolver looks up existing mappings in its store, and uses
// newAccount to produce one for unknown users
type identityResolver struct {
	store      IdentityStore
	newAccount newAccountFunc
	logger     *slog.Logger
}

func (r *identityResolver) Resolve(
	ctx context.Context,
	m *discordgo.Message,
) (string, bool, error) {
	userID := m.Author.ID
	accountID, ok, err := r.store.Get(ctx, userID)
	if err != nil {
		return "", false, fmt.Errorf("error looking up identity: %w", err)
	}
	if ok {
		return accountID, false, nil
	}

	accountID, err = r.newAccount(ctx, m)
	if err != nil {
		return "", false, err
	}

	if err = r.store.Put(ctx, userID, accountID); err != nil {
		return "", false, fmt.Errorf("error saving identity: %w", err)
	}
	r.logger.InfoContext(
		ctx,
		"created identity",
		"user_id", userID,
		"account_id", accountID,
	)
	return accountID, true, nil
}

// newIdentityResolver returns the resolver for the given strategy.
func newIdentityResolver(
	cfg *IdentityConfig,
	store IdentityStore,
	prompter chatPrompter,
	logger *slog.Logger,
) (*identityResolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &identityResolver{store: store, logger: logger}

	switch cfg.Strategy {
	case IdentityStrategyByID:
		r.newAccount = func(
			_ context.Context,
			_ *discordgo.Message,
		) (string, error) {
			return uuid.NewString(), nil
		}
	case IdentityStrategyByFile:
		r.newAccount = func(
			_ context.Context,
			m *discordgo.Message,
		) (string, error) {
			return m.Author.ID, nil
		}
	case IdentityStrategyByEmail:
		if prompter == nil {
			return nil, errors.New("by-email identity strategy requires a prompter")
		}
		r.newAccount = emailPrompt(
			prompter,
			cfg.EmailReplyTimeout,
			cfg.EmailMaxAttempts,
		)
	default:
		return nil, fmt.Errorf("unknown identity strategy: %q", cfg.Strategy)
	}
	return r, nil
}

const (
	emailPromptMessage  = "Please reply with your email address to set up your account."
	emailInvalidMessage = "That doesn't look like a valid email address, please try again."
)

// emailPrompt asks the author for an email address, retrying on invalid
// replies. Returns ErrMaxAttempts (wrapping ErrInvalidEmail) once
// maxAttempts invalid replies have been received, or ErrReplyTimeout if
// the user stops replying.
func emailPrompt(
	prompter chatPrompter,
	timeout time.Duration,
	maxAttempts int,
) newAccountFunc {
	return func(ctx context.Context, m *discordgo.Message) (string, error) {
		prompt := emailPromptMessage
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			reply, err := prompter.Prompt(
				ctx,
				m.ChannelID,
				m.Author.ID,
				prompt,
				timeout,
			)
			if err != nil {
				return "", err
			}
			if isValidEmail(reply) {
				return reply, nil
			}
			prompt = emailInvalidMessage
		}
		return "", fmt.Errorf("%w: %w", ErrMaxAttempts, ErrInvalidEmail)
	}
}
