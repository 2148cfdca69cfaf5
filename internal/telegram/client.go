package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Transport failures the worker treats differently. ErrRateLimited and
// timeouts are transient; ErrNotFound is permanent for the target message;
// ErrUnauthorized is fatal for the whole tenant session.
var (
	ErrNotFound     = errors.New("telegram: message not found")
	ErrRateLimited  = errors.New("telegram: rate limited")
	ErrUnauthorized = errors.New("telegram: unauthorized")
)

// User is the bot identity returned by getMe.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Chat identifies the conversation a message belongs to.
type Chat struct {
	ID int64 `json:"id"`
}

// PhotoSize is one resolution of an attached photo.
type PhotoSize struct {
	FileID string `json:"file_id"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Message is the subset of the Bot API message object the bot consumes.
type Message struct {
	MessageID int64       `json:"message_id"`
	Chat      Chat        `json:"chat"`
	From      *User       `json:"from"`
	Text      string      `json:"text"`
	Caption   string      `json:"caption"`
	Photo     []PhotoSize `json:"photo"`
}

// Update is one long-poll event.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// BotClient talks to the Telegram Bot API over HTTP for one tenant's token.
type BotClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// ClientOptions configures a BotClient.
type ClientOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewBotClient builds a client with defaults suitable for long polling.
func NewBotClient(opts ClientOptions) *BotClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// Long polls block up to the poll timeout server-side; the client
		// deadline must sit above it.
		httpClient = &http.Client{Timeout: 40 * time.Second}
	}
	return &BotClient{
		baseURL:    baseURL,
		token:      opts.Token,
		httpClient: httpClient,
	}
}

// envelope is the Bot API response wrapper.
type envelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// GetMe verifies the token and returns the bot identity.
func (c *BotClient) GetMe(ctx context.Context) (User, error) {
	var u User
	if err := c.call(ctx, "getMe", nil, &u); err != nil {
		return User{}, err
	}
	return u, nil
}

// GetUpdates long-polls for inbound events past the given offset.
func (c *BotClient) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	params := map[string]any{
		"offset":          offset,
		"timeout":         int(timeout.Seconds()),
		"allowed_updates": []string{"message"},
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", params, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SendMessage posts a text message and returns the new message id.
func (c *BotClient) SendMessage(ctx context.Context, chatID int64, text string) (int64, error) {
	params := map[string]any{"chat_id": chatID, "text": text}
	var msg Message
	if err := c.call(ctx, "sendMessage", params, &msg); err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// EditMessageText rewrites a previously sent message in place. Editing with
// unchanged content is treated as success, which keeps sync retries
// idempotent.
func (c *BotClient) EditMessageText(ctx context.Context, chatID, messageID int64, text string) error {
	params := map[string]any{"chat_id": chatID, "message_id": messageID, "text": text}
	err := c.call(ctx, "editMessageText", params, nil)
	if err != nil && strings.Contains(err.Error(), "message is not modified") {
		return nil
	}
	return err
}

// GetFile downloads a photo by file id.
func (c *BotClient) GetFile(ctx context.Context, fileID string) ([]byte, error) {
	var file struct {
		FilePath string `json:"file_path"`
	}
	if err := c.call(ctx, "getFile", map[string]any{"file_id": fileID}, &file); err != nil {
		return nil, err
	}
	if file.FilePath == "" {
		return nil, fmt.Errorf("telegram: getFile returned empty path for %s", fileID)
	}

	url := fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build file request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *BotClient) call(ctx context.Context, method string, params map[string]any, result any) error {
	var body io.Reader
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal %s params: %w", method, err)
		}
		body = bytes.NewReader(raw)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if env.OK {
		if result != nil && len(env.Result) > 0 {
			if err := json.Unmarshal(env.Result, result); err != nil {
				return fmt.Errorf("%s: decode result: %w", method, err)
			}
		}
		return nil
	}
	return c.apiError(method, resp.StatusCode, env)
}

func (c *BotClient) apiError(method string, status int, env envelope) error {
	code := env.ErrorCode
	if code == 0 {
		code = status
	}
	desc := strings.ToLower(env.Description)
	switch {
	case code == http.StatusTooManyRequests:
		retryAfter := 0
		if env.Parameters != nil {
			retryAfter = env.Parameters.RetryAfter
		}
		return fmt.Errorf("%s: retry after %ds: %w", method, retryAfter, ErrRateLimited)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%s: %s: %w", method, env.Description, ErrUnauthorized)
	case strings.Contains(desc, "not found") || strings.Contains(desc, "message to edit"):
		return fmt.Errorf("%s: %s: %w", method, env.Description, ErrNotFound)
	default:
		return fmt.Errorf("telegram %s: %d %s", method, code, env.Description)
	}
}
