package taskconcierge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	brokerAPIKeyHeader = "x-api-key"

	// ConnectionStatusActive is the status of a connected account which
	// has completed its auth flow
	ConnectionStatusActive    = "ACTIVE"
	ConnectionStatusInitiated = "INITIATED"
	ConnectionStatusFailed    = "FAILED"
)

// Broker is the OAuth/integration broker used to link a user's
// third-party accounts and to run actions against them
type Broker interface {
	GetEntity(ctx context.Context, id string) (*Entity, error)
	CreateEntity(ctx context.Context, id string) (*Entity, error)
	ListIntegrations(ctx context.Context) ([]Integration, error)

	// InitiateConnection starts linking the app's integration to the
	// entity. params holds any ExpectedInputFields values.
	InitiateConnection(
		ctx context.Context,
		entityID string,
		integration Integration,
		params map[string]string,
	) (*ConnectionRequest, error)

	GetConnectedAccount(ctx context.Context, id string) (*ConnectedAccount, error)
	ListActions(ctx context.Context, apps []string) ([]Action, error)
	ExecuteAction(
		ctx context.Context,
		entityID string,
		action string,
		input json.RawMessage,
	) (*ActionResult, error)
}

// Entity is the broker's record for one end user
type Entity struct {
	ID string `json:"id"`
}

// InputField is a parameter an integration needs from the user
// before a connection can be initiated
type InputField struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty"`
	Required    bool   `json:"required"`
}

type Integration struct {
	ID                  string       `json:"id"`
	Name                string       `json:"name"`
	AppName             string       `json:"appName"`
	Enabled             bool         `json:"enabled"`
	ExpectedInputFields []InputField `json:"expectedInputFields,omitempty"`
}

// ConnectionRequest is returned when a connection is initiated. If
// RedirectURL is set, the user needs to complete an auth flow there
// before the account becomes active.
type ConnectionRequest struct {
	ConnectedAccountID string `json:"connectedAccountId"`
	RedirectURL        string `json:"redirectUrl,omitempty"`
	Status             string `json:"connectionStatus"`
}

type ConnectedAccount struct {
	ID        string    `json:"id"`
	AppName   string    `json:"appName"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

func (c ConnectedAccount) Active() bool {
	return strings.EqualFold(c.Status, ConnectionStatusActive)
}

// Action is an operation the agent can call on a connected app.
// Parameters is a JSON schema object.
type Action struct {
	Name        string          `json:"name"`
	DisplayName string          `json:"display_name,omitempty"`
	Description string          `json:"description"`
	AppName     string          `json:"appName"`
	Parameters  json.RawMessage `json:"parameters"`
}

type ActionResult struct {
	Data       json.RawMessage `json:"data"`
	Error      string          `json:"error,omitempty"`
	Successful bool            `json:"successful"`
}

// BrokerError is returned for non-2xx broker responses
type BrokerError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf(
		"broker %s %s: status %d: %s",
		e.Method,
		e.Path,
		e.StatusCode,
		e.Body,
	)
}

// ComposioClient is a Broker backed by the Composio REST API
type ComposioClient struct {
	baseURL        string
	apiKey         string
	client         *http.Client
	requestLimiter *rate.Limiter
	logger         *slog.Logger
}

func NewComposioClient(
	cfg *BrokerConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) *ComposioClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	burst := int(cfg.MaxRequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &ComposioClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  httpClient,
		requestLimiter: rate.NewLimiter(
			rate.Limit(cfg.MaxRequestsPerSecond),
			burst,
		),
		logger: logger,
	}
}

// do sends a request to the broker and decodes a JSON response into out,
// if out is non-nil.
func (c *ComposioClient) do(
	ctx context.Context,
	method string,
	path string,
	query url.Values,
	body any,
	out any,
) error {
	if err := c.requestLimiter.Wait(ctx); err != nil {
		return err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("error encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set(brokerAPIKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.ErrorContext(
			ctx,
			"broker request failed",
			"method", method,
			"path", path,
			tint.Err(err),
		)
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	c.logger.DebugContext(
		ctx,
		"broker request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"elapsed", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &BrokerError{
			StatusCode: resp.StatusCode,
			Method:     method,
			Path:       path,
			Body:       strings.TrimSpace(string(data)),
		}
	}

	if out == nil {
		return nil
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding broker response: %w", err)
	}
	return nil
}

func (c *ComposioClient) GetEntity(ctx context.Context, id string) (
	*Entity,
	error,
) {
	var entity Entity
	err := c.do(
		ctx,
		http.MethodGet,
		"/v1/entity/"+url.PathEscape(id),
		nil,
		nil,
		&entity,
	)
	if err != nil {
		var be *BrokerError
		if errors.As(err, &be) && be.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %w", ErrEntityNotFound, err)
		}
		return nil, err
	}
	if entity.ID == "" {
		entity.ID = id
	}
	return &entity, nil
}

func (c *ComposioClient) CreateEntity(ctx context.Context, id string) (
	*Entity,
	error,
) {
	var entity Entity
	err := c.do(
		ctx,
		http.MethodPost,
		"/v1/entity",
		nil,
		map[string]string{"id": id},
		&entity,
	)
	if err != nil {
		return nil, err
	}
	if entity.ID == "" {
		entity.ID = id
	}
	return &entity, nil
}

type integrationList struct {
	Items []Integration `json:"items"`
}

func (c *ComposioClient) ListIntegrations(ctx context.Context) (
	[]Integration,
	error,
) {
	var rv integrationList
	if err := c.do(
		ctx,
		http.MethodGet,
		"/v1/integrations",
		nil,
		nil,
		&rv,
	); err != nil {
		return nil, err
	}
	return rv.Items, nil
}

type initiateConnectionRequest struct {
	IntegrationID string            `json:"integrationId"`
	EntityID      string            `json:"entityId"`
	Data          map[string]string `json:"data,omitempty"`
}

func (c *ComposioClient) InitiateConnection(
	ctx context.Context,
	entityID string,
	integration Integration,
	params map[string]string,
) (*ConnectionRequest, error) {
	var rv ConnectionRequest
	if err := c.do(
		ctx,
		http.MethodPost,
		"/v1/connectedAccounts",
		nil,
		initiateConnectionRequest{
			IntegrationID: integration.ID,
			EntityID:      entityID,
			Data:          params,
		},
		&rv,
	); err != nil {
		return nil, err
	}
	return &rv, nil
}

func (c *ComposioClient) GetConnectedAccount(ctx context.Context, id string) (
	*ConnectedAccount,
	error,
) {
	var rv ConnectedAccount
	if err := c.do(
		ctx,
		http.MethodGet,
		"/v1/connectedAccounts/"+url.PathEscape(id),
		nil,
		nil,
		&rv,
	); err != nil {
		return nil, err
	}
	return &rv, nil
}

type actionList struct {
	Items []Action `json:"items"`
}

func (c *ComposioClient) ListActions(ctx context.Context, apps []string) (
	[]Action,
	error,
) {
	var rv actionList
	q := url.Values{}
	q.Set("apps", strings.Join(apps, ","))
	if err := c.do(
		ctx,
		http.MethodGet,
		"/v2/actions",
		q,
		nil,
		&rv,
	); err != nil {
		return nil, err
	}
	return rv.Items, nil
}

type executeActionRequest struct {
	EntityID string          `json:"entityId"`
	Input    json.RawMessage `json:"input"`
}

func (c *ComposioClient) ExecuteAction(
	ctx context.Context,
	entityID string,
	action string,
	input json.RawMessage,
) (*ActionResult, error) {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	var rv ActionResult
	if err := c.do(
		ctx,
		http.MethodPost,
		"/v2/actions/"+url.PathEscape(action)+"/execute",
		nil,
		executeActionRequest{EntityID: entityID, Input: input},
		&rv,
	); err != nil {
		return nil, err
	}
	return &rv, nil
}
