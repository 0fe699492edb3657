package userproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"collectbot/internal/apperr"
	"collectbot/internal/models"
)

// Options tunes a Client. Zero values fall back to sane defaults.
type Options struct {
	Timeout    time.Duration
	BcryptCost int
	Index      Index
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the remote user service. It owns no user data itself apart from the
// email/username index.
type Client struct {
	endpoint string
	http     *http.Client
	index    Index
	cost     int
	logger   *slog.Logger
}

func NewClient(endpoint string, opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	cost := opts.BcryptCost
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	index := opts.Index
	if index == nil {
		index = NewMemoryIndex(5 * time.Minute)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     httpClient,
		index:    index,
		cost:     cost,
		logger:   logger,
	}
}

// List returns every user known to the service.
func (c *Client) List(ctx context.Context) ([]models.User, error) {
	status, body, err := c.do(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusError(status, "users")
	}
	var users []models.User
	if err := json.Unmarshal(body, &users); err != nil {
		return nil, fmt.Errorf("%w: decode users: %w", apperr.ErrInternal, err)
	}
	return users, nil
}

// GetByID fetches a single user.
func (c *Client) GetByID(ctx context.Context, id int64) (*models.User, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: invalid user id", apperr.ErrBadRequest)
	}
	status, body, err := c.do(ctx, http.MethodGet, c.userURL(id), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusError(status, "user")
	}
	return decodeUser(body)
}

// GetByEmail resolves a user by exact email.
func (c *Client) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return c.lookup(ctx, FieldEmail, email)
}

// GetByUsername resolves a user by exact username.
func (c *Client) GetByUsername(ctx context.Context, name string) (*models.User, error) {
	return c.lookup(ctx, FieldUserName, name)
}

// Create hashes the password and forwards the record. The stored record is returned.
func (c *Client) Create(ctx context.Context, user models.User) (*models.User, error) {
	hashed, err := c.hashPassword(user.Password)
	if err != nil {
		return nil, err
	}
	user.Password = hashed

	status, body, err := c.do(ctx, http.MethodPost, c.endpoint, user)
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return nil, statusError(status, "user")
	}
	created, err := decodeUser(body)
	if err != nil {
		return nil, err
	}
	if err := c.index.Put(ctx, *created); err != nil {
		c.logger.Warn("index created user", "user_id", created.ID, "error", err)
	}
	return created, nil
}

// Update replaces the record with the given id. An empty password keeps the stored hash.
func (c *Client) Update(ctx context.Context, user models.User) (*models.User, error) {
	if user.ID <= 0 {
		return nil, fmt.Errorf("%w: invalid user id", apperr.ErrBadRequest)
	}
	if user.Password == "" {
		current, err := c.GetByID(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		user.Password = current.Password
	} else {
		hashed, err := c.hashPassword(user.Password)
		if err != nil {
			return nil, err
		}
		user.Password = hashed
	}

	status, _, err := c.do(ctx, http.MethodPut, c.userURL(user.ID), user)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusError(status, "user")
	}
	if err := c.index.Put(ctx, user); err != nil {
		c.logger.Warn("index updated user", "user_id", user.ID, "error", err)
	}
	return &user, nil
}

// Delete removes the user with the given id.
func (c *Client) Delete(ctx context.Context, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: invalid user id", apperr.ErrBadRequest)
	}
	status, _, err := c.do(ctx, http.MethodDelete, c.userURL(id), nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return statusError(status, "user")
	}
	if err := c.index.Forget(ctx, id); err != nil {
		c.logger.Warn("drop deleted user from index", "user_id", id, "error", err)
	}
	return nil
}

func (c *Client) lookup(ctx context.Context, field Field, value string) (*models.User, error) {
	if value == "" {
		return nil, fmt.Errorf("user %w", apperr.ErrNotFound)
	}

	id, presence, err := c.index.Lookup(ctx, field, value)
	if err != nil {
		c.logger.Warn("user index lookup failed", "field", string(field), "error", err)
		presence = Unknown
	}
	switch presence {
	case Absent:
		return nil, fmt.Errorf("user %w", apperr.ErrNotFound)
	case Present:
		user, err := c.GetByID(ctx, id)
		switch {
		case err == nil && field.of(*user) == value:
			return user, nil
		case err != nil && !errors.Is(err, apperr.ErrNotFound):
			return nil, err
		}
		c.logger.Debug("stale user index entry", "field", string(field), "user_id", id)
	}

	users, err := c.List(ctx)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, fmt.Errorf("user %w", apperr.ErrNotFound)
		}
		return nil, err
	}
	if err := c.index.Rebuild(ctx, users); err != nil {
		c.logger.Warn("rebuild user index", "error", err)
	}
	for i := range users {
		if field.of(users[i]) == value {
			return &users[i], nil
		}
	}
	return nil, fmt.Errorf("user %w", apperr.ErrNotFound)
}

func (c *Client) hashPassword(password string) (string, error) {
	if password == "" {
		return "", nil
	}
	if _, err := bcrypt.Cost([]byte(password)); err == nil {
		return password, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), c.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", fmt.Errorf("%w: password too long", apperr.ErrBadRequest)
		}
		return "", fmt.Errorf("%w: hash password: %w", apperr.ErrInternal, err)
	}
	return string(hash), nil
}

func (c *Client) userURL(id int64) string {
	return c.endpoint + "/" + strconv.FormatInt(id, 10)
}

func (c *Client) do(ctx context.Context, method, url string, payload interface{}) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: encode request: %w", apperr.ErrInternal, err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: build request: %w", apperr.ErrInternal, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: user service: %w", apperr.ErrInternal, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: read user service response: %w", apperr.ErrInternal, err)
	}
	c.logger.Debug("user service call", "method", method, "url", url, "status", resp.StatusCode)
	return resp.StatusCode, data, nil
}

func decodeUser(body []byte) (*models.User, error) {
	var user models.User
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("%w: decode user: %w", apperr.ErrInternal, err)
	}
	return &user, nil
}

// statusError translates a non-success status of the user service.
func statusError(status int, what string) error {
	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("%s %w", what, apperr.ErrNotFound)
	case http.StatusBadRequest:
		return apperr.ErrBadRequest
	case http.StatusConflict:
		return fmt.Errorf("%s %w", what, apperr.ErrAlreadyExists)
	default:
		return fmt.Errorf("%w: user service answered %d", apperr.ErrInternal, status)
	}
}
