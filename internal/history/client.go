package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/zhouzirui/chat-relay/backend/internal/model/chat"
)

const (
	defaultFetchTimeout = 10 * time.Second
	defaultSaveTimeout  = 5 * time.Second
)

// Config 描述外部历史存储的访问参数。
type Config struct {
	BaseURL      string
	SessionID    string
	FetchTimeout time.Duration
	SaveTimeout  time.Duration
}

// Client is a thin wrapper around the external history worker. The worker is
// eventually consistent and occasionally returns garbage, so every read
// degrades to "no history" instead of propagating an error.
type Client struct {
	baseURL      string
	sessionID    string
	httpClient   *http.Client
	fetchTimeout time.Duration
	saveTimeout  time.Duration
}

// NewClient builds a client for one fixed session. Zero timeouts fall back to
// the defaults the worker is known to tolerate.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}
	saveTimeout := cfg.SaveTimeout
	if saveTimeout <= 0 {
		saveTimeout = defaultSaveTimeout
	}

	return &Client{
		baseURL:      cfg.BaseURL,
		sessionID:    cfg.SessionID,
		httpClient:   httpClient,
		fetchTimeout: fetchTimeout,
		saveTimeout:  saveTimeout,
	}
}

// Fetch returns the stored conversation, oldest first. Transport failures,
// non-200 statuses and undecodable payloads all yield an empty history.
func (c *Client) Fetch(ctx context.Context) []chat.Message {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("get"), nil)
	if err != nil {
		log.Printf("[history] build fetch request failed: %v", err)
		return nil
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[history] fetch failed: %v", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("[history] fetch returned status %d", resp.StatusCode)
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("[history] read fetch body failed: %v", err)
		return nil
	}

	records, err := decodeHistory(body)
	if err != nil {
		log.Printf("[history] undecodable payload: %v", err)
		return nil
	}
	return records
}

// Append stores one message. Failures are logged and swallowed; the caller
// never blocks on, or learns about, a broken save.
func (c *Client) Append(ctx context.Context, role, content string) {
	ctx, cancel := context.WithTimeout(ctx, c.saveTimeout)
	defer cancel()

	payload, err := json.Marshal(chat.Message{Role: role, Content: content})
	if err != nil {
		log.Printf("[history] marshal message failed: %v", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("set"), bytes.NewReader(payload))
	if err != nil {
		log.Printf("[history] build append request failed: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[history] append failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		log.Printf("[history] append returned status %d", resp.StatusCode)
	}
}

// Clear wipes the stored conversation. Best effort: a failed delete is logged
// and the caller proceeds as if the store were empty.
func (c *Client) Clear(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.saveTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint("delete"), nil)
	if err != nil {
		log.Printf("[history] build clear request failed: %v", err)
		return
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[history] clear failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		log.Printf("[history] clear returned status %d", resp.StatusCode)
	}
}

// Close releases pooled connections held against the worker.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

func (c *Client) endpoint(op string) string {
	return fmt.Sprintf("%s/%s?session_id=%s", c.baseURL, op, url.QueryEscape(c.sessionID))
}

// decodeHistory 兼容 worker 的两种返回形状：裸数组，或带 history 字段的对象。
// 其他任何形状都视为无历史。单条记录缺字段时就地兜底。
func decodeHistory(data []byte) ([]chat.Message, error) {
	var bare []chat.Message
	if err := json.Unmarshal(data, &bare); err == nil {
		return coerceRecords(bare), nil
	}

	var wrapped struct {
		History []chat.Message `json:"history"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil {
		return coerceRecords(wrapped.History), nil
	}

	return nil, errors.New("history payload is neither an array nor a wrapping object")
}

func coerceRecords(records []chat.Message) []chat.Message {
	for i := range records {
		if records[i].Role == "" {
			records[i].Role = chat.RoleUser
		}
	}
	return records
}
