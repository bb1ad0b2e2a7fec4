// Package chatadapter implements the Remote-Chat Adapter (spec.md §4.5): a
// thin HTTP client over a Telegram-shaped bot API, with network-error retry,
// service-level conflict detection, and outbound send throttling.
package chatadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// ErrNotConfigured is returned by every operation when no bot token was
// found in the process environment at startup (spec.md §4.5).
var ErrNotConfigured = errors.New("chatadapter: not configured")

// ErrConflict is returned when the remote service reports that another
// long-poll holder has taken the getUpdates slot.
var ErrConflict = errors.New("chatadapter: conflict: terminated by other getUpdates request")

// ServiceError wraps a non-retried ok:false response from the remote API.
type ServiceError struct {
	Description string
	ErrorCode   int
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("chatadapter: service error %d: %s", e.ErrorCode, e.Description)
}

// Config configures the Client.
type Config struct {
	BotToken       string
	BaseURL        string // override for testing; defaults to https://api.telegram.org/bot<token>
	MaxRetries     int
	LongPollWait   time.Duration
	SendsPerSecond float64 // outbound sendMessage rate limit, SPEC_FULL.md §C.2
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig(botToken string) Config {
	return Config{
		BotToken:       botToken,
		MaxRetries:     5,
		LongPollWait:   30 * time.Second,
		SendsPerSecond: 1,
	}
}

// Client is the Remote-Chat Adapter.
type Client struct {
	cfg     Config
	http    *http.Client
	baseURL string
	limiter *rate.Limiter
	logger  *slog.Logger

	consecutiveConflicts int
}

// New creates a Client. If botToken is empty the client is "not configured"
// and every operation returns ErrNotConfigured without making a network
// call (spec.md §4.5).
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	base := cfg.BaseURL
	if base == "" && cfg.BotToken != "" {
		base = "https://api.telegram.org/bot" + cfg.BotToken
	}
	burst := 1
	if cfg.SendsPerSecond <= 0 {
		cfg.SendsPerSecond = 1
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.LongPollWait + 10*time.Second},
		baseURL: base,
		limiter: rate.NewLimiter(rate.Limit(cfg.SendsPerSecond), burst),
		logger:  logger,
	}
}

// Configured reports whether a bot token was supplied.
func (c *Client) Configured() bool {
	return c.cfg.BotToken != ""
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
}

// doWithRetry performs req, retrying network errors up to MaxRetries times
// with exponential backoff starting at 1s and doubling (spec.md §4.5). A
// service-level ok:false response is returned as a *ServiceError and is
// never retried.
func (c *Client) doWithRetry(ctx context.Context, method, endpoint string, body url.Values) (json.RawMessage, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	delay := time.Second
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		resp, err := c.do(ctx, method, endpoint, body)
		if err != nil {
			var svcErr *ServiceError
			if errors.As(err, &svcErr) {
				return nil, err
			}
			lastErr = err
			c.logger.Warn("chatadapter: network error, retrying", "endpoint", endpoint, "attempt", attempt, "error", err)
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("chatadapter: exhausted retries for %s: %w", endpoint, lastErr)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body url.Values) (json.RawMessage, error) {
	reqURL := c.baseURL + "/" + endpoint
	var req *http.Request
	var err error
	if method == http.MethodGet {
		if len(body) > 0 {
			reqURL += "?" + body.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, reqURL, nil)
		if err == nil && body != nil {
			req.URL.RawQuery = body.Encode()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("chatadapter: build request: %w", err)
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chatadapter: request failed: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("chatadapter: read response: %w", err)
	}

	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("chatadapter: decode response: %w", err)
	}
	if !parsed.OK {
		return nil, &ServiceError{Description: parsed.Description, ErrorCode: parsed.ErrorCode}
	}
	return parsed.Result, nil
}

// SendMessage sends text to chatID, returning the resulting message-id.
// Outbound sends are rate-limited to protect against notification storms
// (SPEC_FULL.md §C.2).
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, replyMarkup json.RawMessage) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("chatadapter: rate limiter: %w", err)
	}

	form := url.Values{}
	form.Set("chat_id", strconv.FormatInt(chatID, 10))
	form.Set("text", text)
	// EscapeMarkdown (internal/prompt) only escapes legacy Markdown's
	// metacharacter set (_ * ` [), not MarkdownV2's wider set — keep this
	// in sync with that escaper (spec §9).
	form.Set("parse_mode", "Markdown")
	if len(replyMarkup) > 0 {
		form.Set("reply_markup", string(replyMarkup))
	}

	result, err := c.doWithRetry(ctx, http.MethodPost, "sendMessage", form)
	if err != nil {
		return "", err
	}

	var msg struct {
		MessageID int64 `json:"message_id"`
	}
	if err := json.Unmarshal(result, &msg); err != nil {
		return "", fmt.Errorf("chatadapter: decode sendMessage result: %w", err)
	}
	return strconv.FormatInt(msg.MessageID, 10), nil
}

// DeleteMessage deletes messageID from chatID. Failure is never fatal: the
// service refuses deletes past its own retention window, and the caller
// should not treat that as an error (spec.md §4.5).
func (c *Client) DeleteMessage(ctx context.Context, chatID int64, messageID string) {
	if !c.Configured() {
		return
	}
	form := url.Values{}
	form.Set("chat_id", strconv.FormatInt(chatID, 10))
	form.Set("message_id", messageID)

	if _, err := c.doWithRetry(ctx, http.MethodPost, "deleteMessage", form); err != nil {
		c.logger.Debug("chatadapter: delete message failed, ignoring", "message_id", messageID, "error", err)
	}
}

// Update is a single long-poll result restricted to message updates.
type Update struct {
	UpdateID  int64
	ChatID    int64
	MessageID string
	Text      string
	ReplyToID string // message-id this update is a reply to, if any
	Date      int64  // seconds since epoch
}

type rawUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64  `json:"message_id"`
		Text      string `json:"text"`
		Date      int64  `json:"date"`
		Chat      struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		ReplyToMessage *struct {
			MessageID int64 `json:"message_id"`
		} `json:"reply_to_message"`
	} `json:"message"`
}

// FetchUpdates long-polls from offset (exclusive of any previously
// delivered update) restricted to message updates, filtering out updates
// older than staleAfter (spec.md §4.5 staleness filter). It returns the
// next offset to poll from regardless of whether any updates matched.
//
// A conflict is surfaced as ErrConflict after three consecutive
// conflict responses (spec.md §4.5); the caller is expected to notify the
// paired user and exit.
func (c *Client) FetchUpdates(ctx context.Context, offset int64, staleAfter time.Duration) ([]Update, int64, error) {
	if !c.Configured() {
		return nil, offset, ErrNotConfigured
	}

	form := url.Values{}
	form.Set("offset", strconv.FormatInt(offset, 10))
	form.Set("timeout", strconv.Itoa(int(c.cfg.LongPollWait.Seconds())))
	form.Set("allowed_updates", `["message"]`)

	result, err := c.doWithRetry(ctx, http.MethodGet, "getUpdates", form)
	if err != nil {
		var svcErr *ServiceError
		if errors.As(err, &svcErr) && isConflict(svcErr) {
			c.consecutiveConflicts++
			if c.consecutiveConflicts >= 3 {
				return nil, offset, ErrConflict
			}
			return nil, offset, nil
		}
		return nil, offset, err
	}
	c.consecutiveConflicts = 0

	var raws []rawUpdate
	if err := json.Unmarshal(result, &raws); err != nil {
		return nil, offset, fmt.Errorf("chatadapter: decode getUpdates result: %w", err)
	}

	nextOffset := offset
	cutoff := time.Now().Add(-staleAfter).Unix()
	var updates []Update
	for _, r := range raws {
		if r.UpdateID+1 > nextOffset {
			nextOffset = r.UpdateID + 1
		}
		if r.Message == nil {
			continue
		}
		if r.Message.Date < cutoff {
			c.logger.Debug("chatadapter: dropping stale update", "update_id", r.UpdateID, "date", r.Message.Date)
			continue
		}
		u := Update{
			UpdateID:  r.UpdateID,
			ChatID:    r.Message.Chat.ID,
			MessageID: strconv.FormatInt(r.Message.MessageID, 10),
			Text:      r.Message.Text,
			Date:      r.Message.Date,
		}
		if r.Message.ReplyToMessage != nil {
			u.ReplyToID = strconv.FormatInt(r.Message.ReplyToMessage.MessageID, 10)
		}
		updates = append(updates, u)
	}
	return updates, nextOffset, nil
}

func isConflict(err *ServiceError) bool {
	return err.ErrorCode == 409 || err.Description == "conflict: terminated by other getUpdates request"
}
