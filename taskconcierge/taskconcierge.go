package taskconcierge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/taskconcierge/taskconcierge.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var structValidator = validator.New()

var shutdownAnnouncementInterval = 10 * time.Second

// TaskConcierge is the bot. It listens for mentions on the Discord
// gateway, maps each author to a broker account, connects that account's
// apps through the broker, then runs the mention text as a task with an
// LLM agent whose tools are the broker's actions.
//
// Mentions are handled by a worker per Discord user, one at a time.
// Sessions (the user's broker entity, connected accounts and tools) are
// cached in memory for the life of the process.
type TaskConcierge struct {
	config *Config

	logger     *slog.Logger
	logHandler slog.Handler

	discord     *Discord
	broker      Broker
	agent       *AgentExecutor
	api         *API
	db          *gorm.DB
	dbNotifier  DBNotifier
	identities  IdentityStore
	resolver    IdentityResolver
	sessions    *SessionStore
	replies     *replyRouter
	activations *activationSignals
	taskRuns    *taskRunRecorder

	// userWorkers holds the running worker for each user ID
	userWorkers        map[string]*userMentionWorker
	userWorkerMu       sync.RWMutex
	userWorkersRunning atomic.Int64
	tasksInProgress    atomic.Int64

	// runtimeCtx is the context passed to Run, used by user workers so
	// they're stopped on shutdown rather than when a message handler
	// returns
	runtimeCtx context.Context

	// signalReady receives a value once Run has finished starting up
	signalReady chan struct{}

	// signalStop triggers a graceful shutdown of Run
	signalStop chan struct{}

	runMu     sync.Mutex
	startedAt time.Time
}

// New returns a TaskConcierge for the given config. Connections aren't
// made until Run is called.
func New(config *Config) (*TaskConcierge, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	d := &TaskConcierge{
		config:      config,
		signalReady: make(chan struct{}, 1),
		signalStop:  make(chan struct{}, 1),
		userWorkers: map[string]*userMentionWorker{},
		replies:     newReplyRouter(),
		activations: newActivationSignals(),
	}

	d.logHandler = newLogHandler(config.LogLevel)
	d.logger = slog.New(d.logHandler)
	slog.SetDefault(d.logger)

	config.Discord.httpClient = config.HTTPClient
	d.discord = newDiscord(
		config.Discord,
		newComponentLogger("discord", config.Discord.LogLevel),
	)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	d.broker = NewComposioClient(
		config.Broker,
		&http.Client{
			Timeout:   config.Broker.RequestTimeout,
			Transport: config.HTTPClient.Transport,
		},
		newComponentLogger("broker", config.Broker.LogLevel),
	)

	d.agent = NewAgentExecutor(
		newOpenAIClient(config.OpenAI, config.HTTPClient),
		d.broker,
		config.OpenAI,
		config.Agent,
		newComponentLogger("agent", config.OpenAI.LogLevel),
	)

	d.sessions = newSessionStore(
		&sessionDeps{
			broker:      d.broker,
			agent:       d.agent,
			messenger:   d,
			activations: d.activations,
			brokerCfg:   config.Broker,
			agentCfg:    config.Agent,
			logger:      d.logger.With(loggerNameKey, "session"),
		},
	)

	if !config.API.Disabled {
		api, err := newAPI(d, config.API)
		errs = append(errs, err)
		d.api = api
	}

	return d, errors.Join(errs...)
}

func (d *TaskConcierge) ValidateConfig() error {
	return structValidator.Struct(d.config)
}

// Run starts the bot and blocks until ctx is canceled or a stop signal
// is received (see Stop), then shuts down gracefully.
func (d *TaskConcierge) Run(ctx context.Context) error {
	// prevents concurrent runs
	d.runMu.Lock()
	defer d.runMu.Unlock()

	if d.signalStop == nil {
		d.signalStop = make(chan struct{}, 1)
	}
	if d.signalReady == nil {
		d.signalReady = make(chan struct{}, 1)
	}

	d.startedAt = time.Now()
	logger := d.logger

	if err := d.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", d.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.userWorkerMu.Lock()
	d.runtimeCtx = ctx
	d.userWorkerMu.Unlock()

	go func() {
		select {
		case <-d.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	runtimeWG := &sync.WaitGroup{}

	startCtx, startCancel := context.WithTimeout(ctx, d.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- d.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return errors.New("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if d.api != nil {
		go func() {
			httpErr := d.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := d.dbNotifier.Listen(ctx); e != nil {
			logger.ErrorContext(ctx, "error listening for notifications", tint.Err(e))
		}
	}()

	if err := d.initDiscordSession(ctx, runtimeWG); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		cancel()
		_ = d.shutdown(ctx, runtimeWG)
		return err
	}
	if err := d.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error opening discord gateway", tint.Err(err))
		cancel()
		_ = d.shutdown(ctx, runtimeWG)
		return fmt.Errorf("error opening discord gateway: %w", err)
	}

	select {
	case d.signalReady <- struct{}{}:
		logger.InfoContext(ctx, "sent ready signal")
	default:
	}

	// block until something cancels the main runtime context - generally
	// from an interrupt, or the `/api/quit` endpoint
	<-ctx.Done()

	return d.shutdown(ctx, runtimeWG)
}

// initRun opens the database and builds the identity store and resolver
func (d *TaskConcierge) initRun(ctx context.Context) error {
	if err := d.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	if err := d.initIdentity(); err != nil {
		return fmt.Errorf("error initializing identity: %w", err)
	}
	return nil
}

func (d *TaskConcierge) initDB(ctx context.Context) error {
	_, logger := d.getLogger(ctx)

	if d.db == nil {
		gormLogger := newGORMLogger(
			newLogHandler(d.config.DatabaseLogLevel),
			d.config.DatabaseSlowThreshold,
		)
		db, err := getDB(d.config.DatabaseType, d.config.Database, gormLogger)
		if err != nil {
			return fmt.Errorf("error opening database: %w", err)
		}
		d.db = db
	}

	logger.Debug("migrating database...")
	if err := migrateDB(ctx, d.db); err != nil {
		logger.Error("error migrating database", tint.Err(err))
		return err
	}
	logger.Debug("finished migrating database")

	d.taskRuns = &taskRunRecorder{
		db:     d.db,
		logger: d.logger.With(loggerNameKey, "task_runs"),
	}

	if d.dbNotifier == nil {
		notifier, err := newDBNotifier(
			d.config.DatabaseType,
			d.config.Database,
			d.db,
			dbNotifierHandlers{
				identityUpdated: d.identityUpdated,
				stop:            d.triggerStop,
			},
			d.logger,
		)
		if err != nil {
			return fmt.Errorf("error creating db notifier: %w", err)
		}
		d.dbNotifier = notifier
	}
	return nil
}

// initIdentity builds the identity store and resolver for the
// configured strategy, unless they've already been set
func (d *TaskConcierge) initIdentity() error {
	logger := d.logger.With(loggerNameKey, "identity")
	if d.identities == nil {
		store, err := newIdentityStore(
			d.config.Identity,
			d.db,
			d.dbNotifier,
			logger,
		)
		if err != nil {
			return err
		}
		d.identities = store
	}
	if d.resolver == nil {
		resolver, err := newIdentityResolver(
			d.config.Identity,
			d.identities,
			d,
			logger,
		)
		if err != nil {
			return err
		}
		d.resolver = resolver
	}
	logger.Info(
		"identity ready",
		"strategy", d.config.Identity.Strategy,
		"store", fmt.Sprintf("%T", d.identities),
	)
	return nil
}

// identityUpdated drops any cached mapping for the user, after another
// instance changed it
func (d *TaskConcierge) identityUpdated(userID string) {
	if store, ok := d.identities.(*databaseIdentityStore); ok {
		store.invalidate(userID)
	}
}

func (d *TaskConcierge) initDiscordSession(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	logger := d.logger.With(loggerNameKey, "discord_session")

	if d.discord.session == nil {
		disc, discErr := d.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		d.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	for _, h := range d.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	d.discord.session.SetIdentify(
		discordgo.Identify{Intents: d.config.Discord.GatewayIntents},
	)

	d.discord.discordgoRemoveHandlerFuncs = []func(){
		d.discord.session.AddHandler(d.discord.handlerConnect()),
		d.discord.session.AddHandler(d.discord.handlerDisconnect()),
		d.discord.session.AddHandler(d.discord.handlerReady()),
		d.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				m *discordgo.MessageCreate,
			) {
				if ctx.Err() != nil {
					return
				}
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					d.handleDiscordMessage(ctx, m)
				}()
			},
		),
	}
	return nil
}

// Stop signals every instance sharing the database to shut down,
// including this one
func (d *TaskConcierge) Stop(ctx context.Context) error {
	if d.dbNotifier != nil {
		return d.dbNotifier.Stop(ctx)
	}
	d.triggerStop()
	return nil
}

func (d *TaskConcierge) triggerStop() {
	select {
	case d.signalStop <- struct{}{}:
	default:
	}
}

// shutdown stops the user workers, the API server and the discord
// session, waiting up to the configured shutdown timeout before forcing
// them closed
func (d *TaskConcierge) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	d.logger.WarnContext(ctx, "shutting down")
	shutdownStart := time.Now()
	shutdownTimeout := d.config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		d.logger.Warn("immediate shutdown")
		d.forceClose()
		return errors.New("shutdown timeout is zero, forced close")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	d.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", shutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	gracefulShutdownCh := make(chan error, 1)
	go func() {
		g := &errgroup.Group{}

		g.Go(
			func() error {
				return d.stopUserWorkers(closeCtx)
			},
		)

		if d.api != nil {
			g.Go(
				func() error {
					d.logger.InfoContext(ctx, "stopping http server")
					err := d.api.httpServer.Shutdown(closeCtx)
					d.logger.InfoContext(ctx, "http server stopped")
					return err
				},
			)
		}

		if d.discord.session != nil {
			g.Go(
				func() error {
					d.logger.InfoContext(ctx, "closing discord session")
					err := d.discord.session.Close()
					for _, h := range d.discord.discordgoRemoveHandlerFuncs {
						h()
					}
					d.discord.discordgoRemoveHandlerFuncs = nil
					d.logger.InfoContext(ctx, "discord session closed")
					return err
				},
			)
		}

		err := g.Wait()
		// in-flight message handlers
		runtimeWG.Wait()
		gracefulShutdownCh <- err
	}()

	for {
		select {
		case err := <-gracefulShutdownCh:
			shutdownEnded := time.Now()
			d.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_ended", shutdownEnded,
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
				tint.Err(err),
			)
			return err
		case <-announcementTicker.C:
			d.logger.Warn(
				fmt.Sprintf(
					"time until hard shutdown: %s",
					time.Until(shutdownDeadline).Round(time.Second),
				),
			)
		case <-closeCtx.Done():
			d.logger.Warn("did not stop in time, forcing close")
			d.forceClose()
			return errors.New("did not stop in time")
		}
	}
}

// stopUserWorkers signals every user worker to stop, and waits for them
// to exit
func (d *TaskConcierge) stopUserWorkers(ctx context.Context) error {
	d.userWorkerMu.Lock()
	workers := make(map[string]*userMentionWorker, len(d.userWorkers))
	for userID, w := range d.userWorkers {
		workers[userID] = w
	}
	d.userWorkerMu.Unlock()

	g := &errgroup.Group{}
	for userID, w := range workers {
		g.Go(
			func() error {
				select {
				case w.signalStop <- struct{}{}:
				default:
				}
				select {
				case <-w.done:
					d.logger.Debug("user worker stopped", "user_id", userID)
					return nil
				case <-ctx.Done():
					return fmt.Errorf("user worker %s: %w", userID, ctx.Err())
				}
			},
		)
	}
	return g.Wait()
}

func (d *TaskConcierge) forceClose() {
	if d.api != nil {
		go func() {
			_ = d.api.httpServer.Close()
		}()
	}
}

//nolint:gochecknoinits // gotta set the tag name before validating
func init() {
	structValidator.SetTagName("binding")
}
