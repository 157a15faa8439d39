package taskconcierge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	postgresNotifyChannelIdentityUpdated = "taskconcierge_identity_updated"
	postgresNotifyChannelStop            = "taskconcierge_stop"
	recordSeparator                      = string(rune(30))

	columnIdentityUserID    = "user_id"
	columnIdentityAccountID = "account_id"
	columnTaskRunState      = "state"
	columnTaskRunCreatedAt  = "created_at"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout     = 30 * time.Second
	dbListenRetryInterval  = 5 * time.Second
	defaultTaskRunPageSize = 100
)

// ModelUnixTime is an embeddable model with Unix millisecond timestamps
// for creation and update
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// Identity maps a Discord user ID to the account ID used with the broker
type Identity struct {
	ModelUintID
	ModelUnixTime
	UserID    string `gorm:"uniqueIndex;not null" json:"user_id"`
	AccountID string `gorm:"not null" json:"account_id"`
}

// TaskRunState is the state of a TaskRun
type TaskRunState string

const (
	TaskRunStateReceived         TaskRunState = "received"
	TaskRunStateConnecting       TaskRunState = "connecting"
	TaskRunStateRunning          TaskRunState = "running"
	TaskRunStateCompleted        TaskRunState = "completed"
	TaskRunStateFailed           TaskRunState = "failed"
	TaskRunStateTimedOut         TaskRunState = "timed_out"
	TaskRunStateIdentityFailed   TaskRunState = "identity_failed"
	TaskRunStateConnectionFailed TaskRunState = "connection_failed"
)

func (s TaskRunState) String() string {
	return string(s)
}

// TaskRun is an audit record of a single mention handled by the bot
type TaskRun struct {
	ModelUintID
	ModelUnixTime
	MessageID  string       `json:"message_id"`
	ChannelID  string       `json:"channel_id"`
	GuildID    string       `json:"guild_id,omitempty"`
	UserID     string       `gorm:"index" json:"user_id"`
	Username   string       `json:"username"`
	AccountID  string       `json:"account_id,omitempty"`
	Command    string       `json:"command"`
	State      TaskRunState `gorm:"index" json:"state"`
	Output     string       `json:"output,omitempty"`
	Error      string       `json:"error,omitempty"`
	Iterations int          `json:"iterations"`
	ToolCalls  int          `json:"tool_calls"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

func newTaskRun(m *discordgo.Message, command string) *TaskRun {
	now := time.Now().UTC()
	t := &TaskRun{
		MessageID: m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		Command:   command,
		State:     TaskRunStateReceived,
		StartedAt: &now,
	}
	if m.Author != nil {
		t.UserID = m.Author.ID
		t.Username = m.Author.Username
	}
	return t
}

func (t TaskRun) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(t.ID)),
		slog.String("user_id", t.UserID),
		slog.String("state", t.State.String()),
		slog.String("command", truncate(t.Command, 100)),
	)
}

// allModels are the models migrated on startup
func allModels() []any {
	return []any{
		&Identity{},
		&TaskRun{},
	}
}

// CreateDB opens the database and runs migrations
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, 500*time.Millisecond)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}
	if err = migrateDB(ctx, db); err != nil {
		return db, err
	}
	return db, nil
}

func migrateDB(ctx context.Context, db *gorm.DB) error {
	txn := db.WithContext(ctx).Begin()
	if err := txn.Migrator().AutoMigrate(allModels()...); err != nil {
		txn.Rollback()
		return fmt.Errorf("error migrating database: %w", err)
	}
	if err := txn.Commit().Error; err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}
	return nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type ('sqlite' or 'postgres'). For sqlite, the
// connection pool is limited to a single writer and pragmas are applied.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		db, err := gorm.Open(sqlite.Open(database), gormCfg)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("error getting database connection: %w", err)
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(pragmaErrors, db.Exec(p).Error)
		}
		if err = errors.Join(pragmaErrors...); err != nil {
			return nil, err
		}
		return db, nil
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormCfg)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// ImportIdentities copies every mapping from the given store into the
// database, returning the number of identities written
func ImportIdentities(
	ctx context.Context,
	db *gorm.DB,
	from IdentityStore,
) (int, error) {
	entries, err := from.All(ctx)
	if err != nil {
		return 0, err
	}
	to := newDatabaseIdentityStore(db, nil, nil)
	var errs []error
	count := 0
	for userID, accountID := range entries {
		if e := to.Put(ctx, userID, accountID); e != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", userID, e))
			continue
		}
		count++
	}
	return count, errors.Join(errs...)
}

// ImportIdentityFile imports a JSON identity mapping file into the database
func ImportIdentityFile(ctx context.Context, db *gorm.DB, path string) (int, error) {
	fileStore, err := newFileIdentityStore(path)
	if err != nil {
		return 0, err
	}
	return ImportIdentities(ctx, db, fileStore)
}

// taskRunRecorder persists TaskRun records. A nil db disables recording.
type taskRunRecorder struct {
	db     *gorm.DB
	logger *slog.Logger
}

func (r *taskRunRecorder) create(ctx context.Context, t *TaskRun) {
	if r == nil || r.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dbOperationTimeout)
	defer cancel()
	if err := r.db.WithContext(ctx).Create(t).Error; err != nil {
		r.logger.ErrorContext(ctx, "error creating task run", tint.Err(err))
	}
}

// finish sets the final state of the task run, along with any error
func (r *taskRunRecorder) finish(
	ctx context.Context,
	t *TaskRun,
	state TaskRunState,
	taskErr error,
) {
	now := time.Now().UTC()
	t.State = state
	t.FinishedAt = &now
	if taskErr != nil {
		t.Error = taskErr.Error()
	}
	r.save(ctx, t)
}

func (r *taskRunRecorder) setState(ctx context.Context, t *TaskRun, state TaskRunState) {
	t.State = state
	r.save(ctx, t)
}

func (r *taskRunRecorder) save(ctx context.Context, t *TaskRun) {
	if r == nil || r.db == nil || t.ID == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dbOperationTimeout)
	defer cancel()
	if err := r.db.WithContext(ctx).Save(t).Error; err != nil {
		r.logger.ErrorContext(ctx, "error updating task run", tint.Err(err), "task_run", t)
	}
}

// DBNotifier notifies other bot instances sharing the database of
// identity changes and stop requests
type DBNotifier interface {
	// ID returns the identifier for this notifier, used to filter out
	// its own notifications
	ID() string

	// IdentityUpdated announces that the identity for the given user
	// changed, so other instances drop any cached mapping
	IdentityUpdated(ctx context.Context, userID string) error

	// Stop sends a shutdown signal to all instances
	Stop(ctx context.Context) error

	// Listen blocks, dispatching notifications from other instances,
	// until ctx is done
	Listen(ctx context.Context) error
}

// dbNotifierHandlers are invoked when notifications are received
type dbNotifierHandlers struct {
	identityUpdated func(userID string)
	stop            func()
}

func newDBNotifier(
	databaseType string,
	database string,
	db *gorm.DB,
	handlers dbNotifierHandlers,
	logger *slog.Logger,
) (DBNotifier, error) {
	notifyID := uuid.NewString()
	log := logger.With(loggerNameKey, "db_notifier")
	switch databaseType {
	case dbTypeSQLite:
		return &sqliteNotifier{
			logger:   log,
			handlers: handlers,
			notifyID: notifyID,
		}, nil
	case dbTypePostgres:
		return &postgresNotifier{
			db:       db,
			dsn:      database,
			logger:   log,
			handlers: handlers,
			notifyID: notifyID,
		}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

// sqliteNotifier is used with sqlite, where only a single instance can
// use the database, so there's nobody else to notify
type sqliteNotifier struct {
	logger   *slog.Logger
	handlers dbNotifierHandlers
	notifyID string
}

func (s *sqliteNotifier) ID() string {
	return s.notifyID
}

func (s *sqliteNotifier) IdentityUpdated(_ context.Context, userID string) error {
	s.logger.Debug("identity updated", "user_id", userID)
	return nil
}

func (s *sqliteNotifier) Stop(_ context.Context) error {
	s.logger.Info("notifying stop signal")
	if s.handlers.stop != nil {
		s.handlers.stop()
	}
	return nil
}

func (s *sqliteNotifier) Listen(ctx context.Context) error {
	s.logger.Debug("listener called")
	<-ctx.Done()
	return nil
}

// postgresNotifier uses LISTEN/NOTIFY
type postgresNotifier struct {
	db       *gorm.DB
	dsn      string
	logger   *slog.Logger
	handlers dbNotifierHandlers
	notifyID string
}

func (p *postgresNotifier) ID() string {
	return p.notifyID
}

func newNotificationMessage(notifierID string, value string) string {
	return strings.Join([]string{notifierID, value}, recordSeparator)
}

func parseNotificationMessage(s string) (notifierID, value string) {
	before, after, _ := strings.Cut(s, recordSeparator)
	return before, after
}

func (p *postgresNotifier) notify(ctx context.Context, channel string, value string) error {
	return p.db.WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		channel,
		newNotificationMessage(p.ID(), value),
	).Error
}

func (p *postgresNotifier) IdentityUpdated(ctx context.Context, userID string) error {
	if err := p.notify(ctx, postgresNotifyChannelIdentityUpdated, userID); err != nil {
		return fmt.Errorf("error sending identity update: %w", err)
	}
	p.logger.InfoContext(ctx, "sent identity update notification", "user_id", userID)
	return nil
}

func (p *postgresNotifier) Stop(ctx context.Context) error {
	if err := p.notify(ctx, postgresNotifyChannelStop, ""); err != nil {
		return fmt.Errorf("error sending stop notification: %w", err)
	}
	p.logger.InfoContext(ctx, "sent stop signal", "pg_notify_id", p.ID())
	// our own notifications are filtered out by Listen
	if p.handlers.stop != nil {
		p.handlers.stop()
	}
	return nil
}

func (p *postgresNotifier) Listen(ctx context.Context) error {
	config, err := pgxpool.ParseConfig(p.dsn)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error parsing database config", tint.Err(err))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error acquiring connection", tint.Err(err))
		return err
	}
	defer conn.Release()

	for _, channel := range []string{
		postgresNotifyChannelIdentityUpdated,
		postgresNotifyChannelStop,
	} {
		if _, err = conn.Exec(ctx, "LISTEN "+channel); err != nil {
			p.logger.ErrorContext(ctx, "Error setting up listener", tint.Err(err), "channel", channel)
			return err
		}
	}
	p.logger.InfoContext(ctx, "Started listening for notifications")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			p.logger.ErrorContext(ctx, "Error waiting for notification", tint.Err(e))
			select {
			case <-ctx.Done():
			case <-time.After(dbListenRetryInterval):
			}
			continue
		}

		notifierID, value := parseNotificationMessage(notification.Payload)
		if notifierID == p.ID() {
			continue
		}

		logger := p.logger.With("channel", notification.Channel)
		switch notification.Channel {
		case postgresNotifyChannelIdentityUpdated:
			logger.InfoContext(ctx, "received identity update", "user_id", value)
			if p.handlers.identityUpdated != nil {
				p.handlers.identityUpdated(value)
			}
		case postgresNotifyChannelStop:
			logger.InfoContext(ctx, "received stop signal via NOTIFY")
			if p.handlers.stop != nil {
				p.handlers.stop()
			}
		default:
			logger.Warn("Received unknown notification")
		}
	}
	return nil
}
