package taskconcierge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	authFlowMessage     = "Please complete the auth flow: %s"
	paramPromptMessage  = "Please provide %s for %s:"
	paramTimeoutMessage = "Timeout. Please try again and provide your details promptly."
)

// sessionMessenger is used by sessions to talk to the user while
// connecting accounts
type sessionMessenger interface {
	chatPrompter
	SendDirectMessage(ctx context.Context, userID string, content string) error
}

// sessionDeps are shared by every Session in a SessionStore
type sessionDeps struct {
	broker      Broker
	agent       *AgentExecutor
	messenger   sessionMessenger
	activations *activationSignals
	brokerCfg   *BrokerConfig
	agentCfg    *AgentConfig
	logger      *slog.Logger
}

// Session caches a user's broker entity, connected accounts and the
// toolset used to run their tasks
type Session struct {
	AccountID string

	mu                sync.RWMutex
	entity            *Entity
	connectedAccounts map[string]string
	actions           []Action
	systemPrompt      string
	createdAt         time.Time
	lastUsed          time.Time
	tasks             int

	deps *sessionDeps
}

// SessionInfo is a point-in-time view of a Session
type SessionInfo struct {
	AccountID         string            `json:"account_id"`
	EntityID          string            `json:"entity_id,omitempty"`
	ConnectedAccounts map[string]string `json:"connected_accounts"`
	Tools             []string          `json:"tools"`
	Tasks             int               `json:"tasks"`
	CreatedAt         time.Time         `json:"created_at"`
	LastUsed          time.Time         `json:"last_used"`
}

func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := SessionInfo{
		AccountID:         s.AccountID,
		ConnectedAccounts: make(map[string]string, len(s.connectedAccounts)),
		Tools:             make([]string, 0, len(s.actions)),
		Tasks:             s.tasks,
		CreatedAt:         s.createdAt,
		LastUsed:          s.lastUsed,
	}
	if s.entity != nil {
		info.EntityID = s.entity.ID
	}
	for k, v := range s.connectedAccounts {
		info.ConnectedAccounts[k] = v
	}
	for _, a := range s.actions {
		info.Tools = append(info.Tools, a.Name)
	}
	return info
}

func (s *Session) LogValue() slog.Value {
	info := s.Info()
	return slog.GroupValue(
		slog.String("account_id", info.AccountID),
		slog.String("entity_id", info.EntityID),
		slog.Int("connected_accounts", len(info.ConnectedAccounts)),
		slog.Int("tools", len(info.Tools)),
	)
}

func (s *Session) isConnected(app string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.connectedAccounts[app]
	return ok
}

// ensureEntity fetches the session's broker entity, creating it if it
// doesn't exist
func (s *Session) ensureEntity(ctx context.Context) (*Entity, error) {
	s.mu.RLock()
	entity := s.entity
	s.mu.RUnlock()
	if entity != nil {
		return entity, nil
	}

	_, logger := contextLoggerOr(ctx, s.deps.logger)
	broker := s.deps.broker

	entity, err := broker.GetEntity(ctx, s.AccountID)
	if err != nil {
		if !errors.Is(err, ErrEntityNotFound) {
			return nil, fmt.Errorf("error getting entity: %w", err)
		}
		logger.InfoContext(
			ctx,
			"entity not found, creating",
			"account_id", s.AccountID,
			tint.Err(err),
		)
		entity, err = broker.CreateEntity(ctx, s.AccountID)
		if err != nil {
			return nil, fmt.Errorf("error creating entity: %w", err)
		}
		logger.InfoContext(ctx, "created entity", "entity_id", entity.ID)
	}

	s.mu.Lock()
	s.entity = entity
	s.mu.Unlock()
	return entity, nil
}

// Connect ensures the session has a broker entity and a connected account
// for each configured app, prompting the author in chat for any
// integration parameters and sending them auth links by DM. Apps with no
// integration are skipped.
func (s *Session) Connect(ctx context.Context, m *discordgo.Message) error {
	ctx, logger := contextLoggerOr(ctx, s.deps.logger)

	entity, err := s.ensureEntity(ctx)
	if err != nil {
		return err
	}

	var integrations []Integration
	for _, app := range s.deps.brokerCfg.Apps {
		if s.isConnected(app) {
			continue
		}
		if integrations == nil {
			integrations, err = s.deps.broker.ListIntegrations(ctx)
			if err != nil {
				return fmt.Errorf("error listing integrations: %w", err)
			}
		}

		integration, found := findIntegration(integrations, app)
		if !found {
			logger.ErrorContext(
				ctx,
				"integration not found",
				"app", app,
				tint.Err(ErrIntegrationNotFound),
			)
			continue
		}

		accountID, err := s.connectApp(ctx, m, entity, integration)
		if err != nil {
			return fmt.Errorf("error connecting %s: %w", app, err)
		}

		s.mu.Lock()
		s.connectedAccounts[app] = accountID
		s.mu.Unlock()
		logger.InfoContext(
			ctx,
			"connected app",
			"app", app,
			"connected_account_id", accountID,
		)
	}

	s.mu.RLock()
	haveActions := s.actions != nil
	s.mu.RUnlock()
	if !haveActions {
		actions, err := s.deps.broker.ListActions(ctx, s.deps.brokerCfg.Apps)
		if err != nil {
			return fmt.Errorf("error loading actions: %w", err)
		}
		if actions == nil {
			actions = []Action{}
		}
		s.mu.Lock()
		s.actions = actions
		s.systemPrompt = s.deps.agentCfg.SystemPrompt
		s.mu.Unlock()
	}

	logger.InfoContext(ctx, "session connected", "session", s)
	return nil
}

func findIntegration(integrations []Integration, app string) (Integration, bool) {
	idx := slices.IndexFunc(
		integrations, func(i Integration) bool {
			return strings.EqualFold(i.AppName, app)
		},
	)
	if idx == -1 {
		return Integration{}, false
	}
	return integrations[idx], true
}

// connectApp initiates a connection for the integration and returns the
// connected account ID once it's usable
func (s *Session) connectApp(
	ctx context.Context,
	m *discordgo.Message,
	entity *Entity,
	integration Integration,
) (string, error) {
	params, err := s.collectParams(ctx, m, integration)
	if err != nil {
		return "", err
	}

	req, err := s.deps.broker.InitiateConnection(ctx, entity.ID, integration, params)
	if err != nil {
		return "", fmt.Errorf("error initiating connection: %w", err)
	}

	if req.ConnectedAccountID == "" {
		return "", fmt.Errorf(
			"%w: %s",
			errMissingConnectedAccount,
			integration.AppName,
		)
	}
	if req.RedirectURL == "" {
		return req.ConnectedAccountID, nil
	}

	if err = s.deps.messenger.SendDirectMessage(
		ctx,
		m.Author.ID,
		fmt.Sprintf(authFlowMessage, req.RedirectURL),
	); err != nil {
		return "", fmt.Errorf("error sending auth link: %w", err)
	}

	acct, err := s.waitForActive(ctx, req.ConnectedAccountID)
	if err != nil {
		return "", err
	}
	return acct.ID, nil
}

// collectParams prompts the author in the message's channel for each
// required input field of the integration
func (s *Session) collectParams(
	ctx context.Context,
	m *discordgo.Message,
	integration Integration,
) (map[string]string, error) {
	var params map[string]string
	for _, field := range integration.ExpectedInputFields {
		if !field.Required {
			continue
		}
		if params == nil {
			params = map[string]string{}
		}
		name := field.DisplayName
		if name == "" {
			name = field.Name
		}
		reply, err := s.deps.messenger.Prompt(
			ctx,
			m.ChannelID,
			m.Author.ID,
			fmt.Sprintf(paramPromptMessage, name, integration.AppName),
			s.deps.brokerCfg.ParamReplyTimeout,
		)
		if err != nil {
			if errors.Is(err, ErrReplyTimeout) {
				if e := s.deps.messenger.SendMessage(
					ctx,
					m.ChannelID,
					paramTimeoutMessage,
				); e != nil {
					err = errors.Join(err, e)
				}
			}
			return nil, err
		}
		params[field.Name] = reply
	}
	return params, nil
}

// waitForActive polls the connected account, with jitter, until it's
// active. An activation callback for the account triggers an immediate
// check. Returns ErrConnectionTimeout if the account isn't active before
// the configured connection timeout.
func (s *Session) waitForActive(
	ctx context.Context,
	connectedAccountID string,
) (*ConnectedAccount, error) {
	_, logger := contextLoggerOr(ctx, s.deps.logger)
	cfg := s.deps.brokerCfg

	waitCtx, cancel := context.WithTimeout(ctx, cfg.ConnectionTimeout)
	defer cancel()

	activated, unregister := s.deps.activations.register(connectedAccountID)
	defer unregister()

	for {
		acct, err := s.deps.broker.GetConnectedAccount(waitCtx, connectedAccountID)
		switch {
		case err == nil && acct.Active():
			return acct, nil
		case err == nil && strings.EqualFold(acct.Status, ConnectionStatusFailed):
			return nil, fmt.Errorf(
				"connected account %s failed",
				connectedAccountID,
			)
		case err != nil && waitCtx.Err() == nil:
			logger.WarnContext(
				ctx,
				"error checking connected account",
				"connected_account_id", connectedAccountID,
				tint.Err(err),
			)
		}

		timer := time.NewTimer(
			jitter(cfg.ConnectionPollInterval, cfg.ConnectionPollJitter),
		)
		select {
		case <-waitCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf(
				"%w: %s after %s",
				ErrConnectionTimeout,
				connectedAccountID,
				cfg.ConnectionTimeout,
			)
		case <-activated:
			timer.Stop()
			logger.InfoContext(
				ctx,
				"received activation callback",
				"connected_account_id", connectedAccountID,
			)
		case <-timer.C:
		}
	}
}

// DoTask runs the command through the agent with the session's toolset
func (s *Session) DoTask(ctx context.Context, command string) (
	*AgentResult,
	error,
) {
	s.mu.RLock()
	entity := s.entity
	actions := s.actions
	prompt := s.systemPrompt
	s.mu.RUnlock()

	if entity == nil {
		return nil, errors.New("session not connected")
	}

	if s.deps.agentCfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.deps.agentCfg.Timeout)
		defer cancel()
	}

	result, err := s.deps.agent.Run(ctx, entity.ID, prompt, actions, command)

	s.mu.Lock()
	s.tasks++
	s.lastUsed = time.Now()
	s.mu.Unlock()

	return result, err
}

// SessionStore holds a Session per account ID. Sessions are created
// lazily and kept until explicitly deleted.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	deps     *sessionDeps
}

func newSessionStore(deps *sessionDeps) *SessionStore {
	return &SessionStore{
		sessions: map[string]*Session{},
		deps:     deps,
	}
}

// GetOrCreate returns the session for the account, creating it if
// needed. created is true if a new session was created.
func (s *SessionStore) GetOrCreate(accountID string) (
	session *Session,
	created bool,
) {
	s.mu.RLock()
	session, ok := s.sessions[accountID]
	s.mu.RUnlock()
	if ok {
		return session, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok = s.sessions[accountID]; ok {
		return session, false
	}
	now := time.Now()
	session = &Session{
		AccountID:         accountID,
		connectedAccounts: map[string]string{},
		createdAt:         now,
		lastUsed:          now,
		deps:              s.deps,
	}
	s.sessions[accountID] = session
	return session, true
}

func (s *SessionStore) Get(accountID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[accountID]
	return session, ok
}

// Delete drops the session, returning false if it didn't exist
func (s *SessionStore) Delete(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[accountID]
	delete(s.sessions, accountID)
	return ok
}

func (s *SessionStore) All() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rv := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		rv = append(rv, session)
	}
	slices.SortFunc(
		rv, func(a, b *Session) int {
			return strings.Compare(a.AccountID, b.AccountID)
		},
	)
	return rv
}

func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// activationSignals lets OAuth callbacks wake up goroutines waiting on
// a connected account to become active
type activationSignals struct {
	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

func newActivationSignals() *activationSignals {
	return &activationSignals{waiters: map[string][]chan struct{}{}}
}

func (a *activationSignals) register(connectedAccountID string) (
	<-chan struct{},
	func(),
) {
	ch := make(chan struct{}, 1)
	a.mu.Lock()
	a.waiters[connectedAccountID] = append(a.waiters[connectedAccountID], ch)
	a.mu.Unlock()

	return ch, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		waiters := slices.DeleteFunc(
			a.waiters[connectedAccountID],
			func(c chan struct{}) bool { return c == ch },
		)
		if len(waiters) == 0 {
			delete(a.waiters, connectedAccountID)
		} else {
			a.waiters[connectedAccountID] = waiters
		}
	}
}

// signal wakes every waiter for the connected account, returning the
// number of waiters signalled
func (a *activationSignals) signal(connectedAccountID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, ch := range a.waiters[connectedAccountID] {
		select {
		case ch <- struct{}{}:
			n++
		default:
		}
	}
	return n
}
