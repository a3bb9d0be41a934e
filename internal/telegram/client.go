package telegram

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

const DefaultAPIURL = "https://api.telegram.org"

type User struct {
	ID       int64  `json:"id"`
	IsBot    bool   `json:"is_bot"`
	Username string `json:"username,omitempty"`
}

type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from,omitempty"`
	Chat      Chat   `json:"chat"`
	Date      int64  `json:"date"`
	Text      string `json:"text,omitempty"`
}

// Private reports whether the message came from a one-to-one chat.
func (m *Message) Private() bool { return m.Chat.Type == "private" }

type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

type apiResponse[T any] struct {
	OK          bool   `json:"ok"`
	Result      T      `json:"result"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters,omitempty"`
}

// APIError is a Bot API failure reported with ok=false.
type APIError struct {
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram api error %d: %s", e.Code, e.Description)
}

// Client is a minimal Bot API client over HTTPS.
type Client struct {
	rc *resty.Client
}

// NewClient builds a client for token. pollTimeout is the long-poll wait used
// by GetUpdates; the HTTP timeout is set above it.
func NewClient(apiURL, token string, pollTimeout time.Duration) *Client {
	apiURL = strings.TrimSuffix(strings.TrimSpace(apiURL), "/")
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	rc := resty.New().
		SetBaseURL(apiURL+"/bot"+token).
		SetTimeout(pollTimeout+15*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(10*time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return false
			}
			return resp.StatusCode() == 429 || resp.StatusCode() >= 500
		}).
		SetRetryAfter(func(_ *resty.Client, resp *resty.Response) (time.Duration, error) {
			if resp != nil && resp.StatusCode() == 429 {
				if s, err := strconv.Atoi(resp.Header().Get("Retry-After")); err == nil {
					return time.Duration(s) * time.Second, nil
				}
			}
			return 0, nil
		})
	return &Client{rc: rc}
}

func call[T any](ctx context.Context, req *resty.Request, method string) (T, error) {
	var out apiResponse[T]
	var zero T
	resp, err := req.SetContext(ctx).SetResult(&out).SetError(&out).Post("/" + method)
	if err != nil {
		return zero, errors.Wrapf(err, "telegram %s", method)
	}
	if !out.OK {
		apiErr := &APIError{Code: out.ErrorCode, Description: out.Description}
		if apiErr.Code == 0 {
			apiErr.Code = resp.StatusCode()
		}
		if out.Parameters != nil {
			apiErr.RetryAfter = time.Duration(out.Parameters.RetryAfter) * time.Second
		}
		return zero, errors.Wrap(apiErr, method)
	}
	return out.Result, nil
}

// GetUpdates long-polls for message updates after offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	body := map[string]any{
		"offset":          offset,
		"timeout":         int(timeout / time.Second),
		"allowed_updates": []string{"message"},
	}
	return call[[]Update](ctx, c.rc.R().SetBody(body), "getUpdates")
}

// SendMessage sends HTML text.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) (Message, error) {
	body := map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}
	return call[Message](ctx, c.rc.R().SetBody(body), "sendMessage")
}

// EditMessageText replaces the text of a sent message. Editing to identical
// text is not an error.
func (c *Client) EditMessageText(ctx context.Context, chatID, messageID int64, text string) error {
	body := map[string]any{
		"chat_id":                  chatID,
		"message_id":               messageID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}
	_, err := call[Message](ctx, c.rc.R().SetBody(body), "editMessageText")
	var apiErr *APIError
	if errors.As(err, &apiErr) && strings.Contains(apiErr.Description, "message is not modified") {
		return nil
	}
	return err
}

// SendDocument uploads content as a file.
func (c *Client) SendDocument(ctx context.Context, chatID int64, filename string, content []byte, caption string) error {
	req := c.rc.R().
		SetFormData(map[string]string{
			"chat_id":    strconv.FormatInt(chatID, 10),
			"caption":    caption,
			"parse_mode": "HTML",
		}).
		SetFileReader("document", filename, bytes.NewReader(content))
	_, err := call[Message](ctx, req, "sendDocument")
	return err
}
