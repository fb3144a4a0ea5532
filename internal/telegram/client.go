// Package telegram is a minimal Bot API client: JSON method calls, long
// polling, file transfer, and the draft-based streaming surface the
// gateway renders agent output with.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

var (
	// BaseURL is overridable for tests.
	BaseURL     = "https://api.telegram.org/bot"
	FileBaseURL = "https://api.telegram.org/file/bot"
)

// APIError is a non-ok Bot API response.
type APIError struct {
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: %d %s", e.Code, e.Description)
}

// Client talks to the Bot API over plain HTTP.
type Client struct {
	token  string
	http   *http.Client
	logger *slog.Logger
}

func NewClient(token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		token: token,
		// Long polling holds the request open; keep the client timeout
		// above the poll timeout.
		http:   &http.Client{Timeout: 70 * time.Second},
		logger: logger,
	}
}

// Call invokes a Bot API method with a JSON payload and returns the result.
func (c *Client) Call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	url := fmt.Sprintf("%s%s/%s", BaseURL, c.token, method)

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", method, err)
	}
	return decodeResponse(method, body)
}

func decodeResponse(method string, body []byte) (json.RawMessage, error) {
	var apiResp apiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("%s: bad response: %w", method, err)
	}
	if !apiResp.OK {
		apiErr := &APIError{Code: apiResp.ErrorCode, Description: apiResp.Description}
		if apiResp.Parameters != nil && apiResp.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(apiResp.Parameters.RetryAfter) * time.Second
		}
		return nil, apiErr
	}
	return apiResp.Result, nil
}

// GetUpdates long-polls for updates after offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	result, err := c.Call(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         int(timeout.Seconds()),
		"allowed_updates": []string{"message"},
	})
	if err != nil {
		return nil, err
	}
	var updates []Update
	if err := json.Unmarshal(result, &updates); err != nil {
		return nil, fmt.Errorf("getUpdates: bad result: %w", err)
	}
	return updates, nil
}

// SendMessage sends a message to a chat's forum topic. parseMode may be
// empty for plain text.
func (c *Client) SendMessage(ctx context.Context, chatID, threadID int64, text, parseMode string) error {
	payload := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if threadID != 0 {
		payload["message_thread_id"] = threadID
	}
	if parseMode != "" {
		payload["parse_mode"] = parseMode
	}
	_, err := c.Call(ctx, "sendMessage", payload)
	return err
}

// SendMessageDraft updates the ephemeral draft preview shown while the
// agent is still generating. Repeated calls with the same draftID replace
// the preview in place.
func (c *Client) SendMessageDraft(ctx context.Context, chatID, threadID, draftID int64, text string) error {
	payload := map[string]any{
		"chat_id":  chatID,
		"draft_id": draftID,
		"text":     text,
	}
	if threadID != 0 {
		payload["message_thread_id"] = threadID
	}
	_, err := c.Call(ctx, "sendMessageDraft", payload)
	return err
}

// SendDocument uploads a local file to the chat.
func (c *Client) SendDocument(ctx context.Context, chatID, threadID int64, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open document: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("chat_id", fmt.Sprintf("%d", chatID))
	if threadID != 0 {
		mw.WriteField("message_thread_id", fmt.Sprintf("%d", threadID))
	}
	part, err := mw.CreateFormFile("document", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("read document: %w", err)
	}
	if err := mw.Close(); err != nil {
		return err
	}

	url := fmt.Sprintf("%s%s/sendDocument", BaseURL, c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sendDocument: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	_, err = decodeResponse("sendDocument", body)
	return err
}

// GetFile resolves a file id to a download path.
func (c *Client) GetFile(ctx context.Context, fileID string) (*File, error) {
	result, err := c.Call(ctx, "getFile", map[string]any{"file_id": fileID})
	if err != nil {
		return nil, err
	}
	var file File
	if err := json.Unmarshal(result, &file); err != nil {
		return nil, fmt.Errorf("getFile: bad result: %w", err)
	}
	return &file, nil
}

// Download fetches a file previously resolved with GetFile into destPath.
func (c *Client) Download(ctx context.Context, filePath, destPath string) error {
	url := fmt.Sprintf("%s%s/%s", FileBaseURL, c.token, filePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", filePath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: HTTP %d", filePath, resp.StatusCode)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(destPath)
		return fmt.Errorf("write %s: %w", destPath, err)
	}
	return nil
}

// RandomDraftID returns a positive id for a new draft stream.
func RandomDraftID() int64 {
	return rand.Int63n(1<<31-2) + 1
}
