package taskconcierge

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

const (
	apiHealthCheck       = "/healthz"
	apiPathOAuthCallback = "/oauth/callback"

	apiPrefix         = "/api"
	apiPathIdentities = "/identities"
	apiPathIdentity   = "/identities/:id"
	apiPathSessions   = "/sessions"
	apiPathSession    = "/sessions/:id"
	apiPathTaskRuns   = "/task_runs"
	apiPathQuit       = "/quit"
	pprofPrefix       = "/debug/pprof"

	callbackSecretHeader   = "X-Callback-Secret"
	authorizationHeader    = "Authorization"
	bearerPrefix           = "Bearer "
	xRequestIDHeader       = DefaultRequestIDHeader
	errMessageUnauthorized = "unauthorized"
	quitSignalTimeout      = 30 * time.Second
)

// API is the admin HTTP server. It serves a health check, receives
// connected-account activation callbacks from the broker, and exposes
// bearer-authenticated routes to inspect and manage identities, sessions
// and task runs.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger

	handlers *APIHandlers
}

// APIHandlers holds the gin handlers for the admin API
type APIHandlers struct {
	d      *TaskConcierge
	config *APIConfig
	logger *slog.Logger
}

func newAPI(d *TaskConcierge, config *APIConfig) (*API, error) {
	r := gin.New()

	api := &API{
		config: config,
		engine: r,
		logger: newComponentLogger("api", config.LogLevel),
	}
	handlers := &APIHandlers{d: d, config: config, logger: api.logger}
	api.handlers = handlers

	tlsCfg, e := tlsConfig(
		config.SSL.Cert,
		config.SSL.Key,
		config.SSL.TLSMinVersion,
	)
	if e != nil {
		return nil, fmt.Errorf("error loading SSL certs: %w", e)
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	development := d.config.Development
	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		if development {
			corsConfig.AllowOrigins = []string{"*"}
			corsConfig.AllowCredentials = false
		} else {
			corsConfig.AllowOrigins = []string{"http://" + config.Listen}
		}
	}

	if !development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		cors.New(corsConfig),
	)

	r.GET(apiHealthCheck, handlers.healthCheck)
	r.POST(apiPathOAuthCallback, handlers.oauthCallback)

	if development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(config.Secret, api.logger))

	protected.GET(apiPathIdentities, handlers.getIdentities)
	protected.DELETE(apiPathIdentity, handlers.deleteIdentity)
	protected.GET(apiPathSessions, handlers.getSessions)
	protected.DELETE(apiPathSession, handlers.deleteSession)
	protected.GET(apiPathTaskRuns, handlers.getTaskRuns)
	protected.POST(apiPathQuit, handlers.botQuit)

	return api, nil
}

// Serve starts serving the API, over TLS if a certificate was configured.
// Returns http.ErrServerClosed after shutdown.
func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, e := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if e != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, e)
	}
	if a.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	}
	a.listener = ln
	a.logger.InfoContext(
		ctx,
		"serving api",
		"listen", ln.Addr().String(),
		"tls", a.httpServer.TLSConfig != nil,
	)
	return a.httpServer.Serve(a.listener)
}

// healthCheckResponse reports the bot's runtime state
type healthCheckResponse struct {
	DiscordGatewayConnected bool          `json:"discord_gateway_connected"`
	Discord                 DiscordStatus `json:"discord"`
	Sessions                int           `json:"sessions"`
	UserWorkers             int64         `json:"user_workers"`
	TasksInProgress         int64         `json:"tasks_in_progress"`
	PendingReplies          int           `json:"pending_replies"`
	Uptime                  string        `json:"uptime"`
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	d := h.d
	status := d.discord.Status()
	rv := healthCheckResponse{
		DiscordGatewayConnected: status.Connected,
		Discord:                 status,
		Sessions:                d.sessions.Len(),
		UserWorkers:             d.userWorkersRunning.Load(),
		TasksInProgress:         d.tasksInProgress.Load(),
		PendingReplies:          d.replies.pending(),
	}
	if !d.startedAt.IsZero() {
		rv.Uptime = time.Since(d.startedAt).Round(time.Second).String()
	}
	c.JSON(http.StatusOK, rv)
}

// oauthCallbackPayload is the body of a connected-account webhook. The
// broker has sent both field names for the connected account ID.
type oauthCallbackPayload struct {
	ConnectedAccountID string `json:"connectedAccountId"`
	ID                 string `json:"id"`
	Status             string `json:"status"`
}

func (p oauthCallbackPayload) accountID() string {
	if p.ConnectedAccountID != "" {
		return p.ConnectedAccountID
	}
	return p.ID
}

type oauthCallbackResponse struct {
	ConnectedAccountID string `json:"connected_account_id"`
	Signalled          int    `json:"signalled"`
}

// oauthCallback wakes any session waiting on the connected account, so
// it checks the account status immediately instead of at its next poll.
// If a callback secret is configured, it must match the X-Callback-Secret
// header.
func (h *APIHandlers) oauthCallback(c *gin.Context) {
	log := ginContextLogger(c, h.logger)

	secret := h.d.config.Broker.CallbackSecret
	if secret != "" && !secretsEqual(secret, c.GetHeader(callbackSecretHeader)) {
		log.WarnContext(c.Request.Context(), "invalid callback secret")
		c.AbortWithStatusJSON(
			http.StatusUnauthorized,
			httpError{Error: errMessageUnauthorized},
		)
		return
	}

	var payload oauthCallbackPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid payload"})
		return
	}
	accountID := payload.accountID()
	if accountID == "" {
		c.JSON(
			http.StatusBadRequest,
			httpError{Error: "missing connected account id"},
		)
		return
	}

	n := h.d.activations.signal(accountID)
	log.InfoContext(
		c.Request.Context(),
		"received activation callback",
		"connected_account_id", accountID,
		"status", payload.Status,
		"signalled", n,
	)
	c.JSON(
		http.StatusOK,
		oauthCallbackResponse{ConnectedAccountID: accountID, Signalled: n},
	)
}

// identityResponse is a single Discord user to account ID mapping
type identityResponse struct {
	UserID    string `json:"user_id"`
	AccountID string `json:"account_id"`
}

func (h *APIHandlers) getIdentities(c *gin.Context) {
	log := ginContextLogger(c, h.logger)
	store := h.d.identities
	if store == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "identity store not ready"})
		return
	}
	entries, err := store.All(c.Request.Context())
	if err != nil {
		log.ErrorContext(c.Request.Context(), "error listing identities", tint.Err(err))
		ginReplyError(c, "error listing identities")
		return
	}
	rv := make([]identityResponse, 0, len(entries))
	for userID, accountID := range entries {
		rv = append(rv, identityResponse{UserID: userID, AccountID: accountID})
	}
	slices.SortFunc(
		rv, func(a, b identityResponse) int {
			return strings.Compare(a.UserID, b.UserID)
		},
	)
	c.JSON(http.StatusOK, rv)
}

// deleteIdentity removes the mapping for the given Discord user ID. The
// user is treated as new on their next mention.
func (h *APIHandlers) deleteIdentity(c *gin.Context) {
	log := ginContextLogger(c, h.logger)
	ctx := c.Request.Context()
	store := h.d.identities
	if store == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "identity store not ready"})
		return
	}

	userID := c.Param("id")
	_, ok, err := store.Get(ctx, userID)
	if err != nil {
		log.ErrorContext(ctx, "error getting identity", tint.Err(err))
		ginReplyError(c, "error getting identity")
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, httpError{Error: ErrIdentityNotFound.Error()})
		return
	}
	if err = store.Delete(ctx, userID); err != nil {
		log.ErrorContext(ctx, "error deleting identity", tint.Err(err))
		ginReplyError(c, "error deleting identity")
		return
	}
	log.InfoContext(ctx, "deleted identity", "user_id", userID)
	ginReplyMessage(c, "deleted")
}

func (h *APIHandlers) getSessions(c *gin.Context) {
	sessions := h.d.sessions.All()
	rv := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		rv = append(rv, s.Info())
	}
	c.JSON(http.StatusOK, rv)
}

// deleteSession drops the cached session for the account ID, so the
// next mention re-checks its entity and connected accounts
func (h *APIHandlers) deleteSession(c *gin.Context) {
	log := ginContextLogger(c, h.logger)
	accountID := c.Param("id")
	if !h.d.sessions.Delete(accountID) {
		c.JSON(http.StatusNotFound, httpError{Error: ErrSessionNotFound.Error()})
		return
	}
	log.InfoContext(c.Request.Context(), "deleted session", "account_id", accountID)
	ginReplyMessage(c, "deleted")
}

// Sort is the order of returned records
type Sort string

const (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// Pagination represents the pagination parameters for API requests.
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

// GetTaskRunsQuery are the query parameters for listing TaskRun records
//
//nolint:lll // struct tags can't be split
type GetTaskRunsQuery struct {
	Pagination
	UserID string       `form:"user_id"`
	State  TaskRunState `form:"state" binding:"omitempty,oneof=received connecting running completed failed timed_out identity_failed connection_failed"`
}

func (h *APIHandlers) getTaskRuns(c *gin.Context) {
	log := ginContextLogger(c, h.logger)
	if h.d.db == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "database not ready"})
		return
	}

	var q GetTaskRunsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid query"})
		return
	}
	if q.Order == "" {
		q.Order = Descending
	}
	if q.Limit == 0 {
		q.Limit = defaultTaskRunPageSize
	}

	query := h.d.db.WithContext(c.Request.Context()).Model(&TaskRun{}).
		Limit(q.Limit).
		Offset(q.Offset)
	if q.UserID != "" {
		query = query.Where(&TaskRun{UserID: q.UserID})
	}
	if q.State != "" {
		query = query.Where(columnTaskRunState+" = ?", q.State)
	}
	switch q.Order {
	case Ascending:
		query = query.Order(columnTaskRunCreatedAt + " asc")
	default:
		query = query.Order(columnTaskRunCreatedAt + " desc")
	}

	var runs []TaskRun
	if err := query.Find(&runs).Error; err != nil {
		log.ErrorContext(c.Request.Context(), "error getting task runs", tint.Err(err))
		ginReplyError(c, "error getting task runs")
		return
	}
	c.JSON(http.StatusOK, runs)
}

// botQuit signals every instance sharing the database to shut down.
//
// Responses:
//   - 200 OK: the stop signal was sent
//   - 504 Gateway Timeout: the signal couldn't be sent in time
func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c, h.logger)
	log.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.Background(), quitSignalTimeout)
	defer cancel()

	doneCh := make(chan error, 1)
	go func() {
		doneCh <- h.d.Stop(ctx)
	}()
	select {
	case err := <-doneCh:
		if err != nil {
			log.ErrorContext(ctx, "error sending stop signal", tint.Err(err))
			ginReplyError(c, "error sending stop signal")
			return
		}
		ginReplyMessage(c, "quitting")
	case <-ctx.Done():
		log.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
	}
}

// httpReply represents a standard HTTP response message.
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// authMiddleware requires the configured secret as a bearer token. If
// no secret is configured, every request is rejected.
func authMiddleware(secret string, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			logger.Warn("api secret not set, rejecting request")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: errMessageUnauthorized},
			)
			return
		}

		token, ok := strings.CutPrefix(c.GetHeader(authorizationHeader), bearerPrefix)
		if !ok || !secretsEqual(secret, strings.TrimSpace(token)) {
			ginContextLogger(c, logger).Warn("invalid or missing bearer token")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: errMessageUnauthorized},
			)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a request ID to each incoming request,
// reusing the client's X-Request-ID if one was sent
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(xRequestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	if base == nil {
		base = slog.Default()
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request along with its duration and
// response status
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c, base)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e.Err)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				tint.Err(errors.Join(errs...)),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
