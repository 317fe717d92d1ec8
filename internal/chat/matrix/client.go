package matrix

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/mail2room/internal/chat"
	"github.com/shineum/mail2room/internal/email"
	"github.com/shineum/mail2room/internal/render"
)

// Config holds the configuration for creating a Client.
type Config struct {
	HomeserverURL string
	UserID        string

	// AccessToken is used when set. Otherwise the client logs in with
	// Password and caches the token.
	AccessToken string
	Password    string
}

// Client posts segments into Matrix rooms. It joins rooms it is invited to
// on first use and caches its joined-room list.
// @MX:ANCHOR: [AUTO] External system integration point for the Matrix homeserver
// @MX:REASON: All room posts flow through this transport when Matrix is configured
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      *tokenCache
	rooms      render.RoomLookup
	renderer   *render.Renderer
	newTxnID   func() string

	mu           sync.Mutex
	joined       map[string]bool
	joinedLoaded bool
}

// New creates a Client. rooms supplies per-room formats and attachment
// content mappings and may be nil.
func New(cfg Config, rooms render.RoomLookup) *Client {
	return newWithClient(cfg, rooms, &http.Client{Timeout: 30 * time.Second})
}

// newWithClient creates a Client with a custom HTTP client, used for testing.
func newWithClient(cfg Config, rooms render.RoomLookup, client *http.Client) *Client {
	base := strings.TrimRight(cfg.HomeserverURL, "/")
	return &Client{
		baseURL:    base,
		httpClient: client,
		token:      newTokenCache(base+"/_matrix/client/v3/login", cfg.UserID, cfg.Password, cfg.AccessToken, client),
		rooms:      rooms,
		renderer:   render.New(rooms),
		newTxnID:   uuid.NewString,
		joined:     make(map[string]bool),
	}
}

// Name returns the transport name.
func (c *Client) Name() string {
	return "matrix"
}

// SendMessage renders seg for roomID and posts it as an m.text event.
// HTTP failures are reported through the returned status; M_LIMIT_EXCEEDED
// responses carry the requested delay in RetryAfter.
func (c *Client) SendMessage(ctx context.Context, seg *email.OutboundSegment, roomID string, kind email.SegmentKind) (chat.SendStatus, error) {
	if status, err := c.ensureJoined(ctx, roomID); err != nil || !status.OK() {
		return status, err
	}

	content := textContent{MsgType: "m.text", Body: seg.TextBody}
	post, err := c.renderer.Render(seg, roomID, kind)
	if err != nil {
		slog.Warn("failed to render post, sending raw text",
			"room", roomID,
			"message_id", seg.EmailID,
			"error", err,
		)
	} else {
		content.Body = post.Body
		if post.FormattedBody != "" {
			content.Format = htmlFormat
			content.FormattedBody = post.FormattedBody
		}
	}

	return c.sendEvent(ctx, roomID, segmentTxnID(seg, roomID, kind), content)
}

// SendAttachment uploads att to the media repository and posts it into
// roomID. The msgtype comes from the room's content mapping, defaulting to
// m.file.
func (c *Client) SendAttachment(ctx context.Context, att email.Attachment, roomID string) error {
	status, err := c.ensureJoined(ctx, roomID)
	if err != nil {
		return err
	}
	if !status.OK() {
		return fmt.Errorf("join room %s: HTTP %d: %s", roomID, status.StatusCode, status.Message)
	}

	path := "/_matrix/media/v3/upload?filename=" + url.QueryEscape(att.Filename)
	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var uploaded uploadResponse
	status, err = c.do(ctx, http.MethodPost, path, att.Content, contentType, &uploaded)
	if err != nil {
		return fmt.Errorf("upload %s: %w", att.Filename, err)
	}
	if !status.OK() {
		return fmt.Errorf("upload %s: HTTP %d: %s", att.Filename, status.StatusCode, status.Message)
	}

	content := fileContent{
		MsgType: c.msgTypeFor(roomID, att.ContentType),
		Body:    att.Filename,
		URL:     uploaded.ContentURI,
		Info:    fileInfo{MimeType: att.ContentType, Size: len(att.Content)},
	}
	status, err = c.sendEvent(ctx, roomID, c.newTxnID(), content)
	if err != nil {
		return fmt.Errorf("post attachment %s: %w", att.Filename, err)
	}
	if !status.OK() {
		return fmt.Errorf("post attachment %s: HTTP %d: %s", att.Filename, status.StatusCode, status.Message)
	}

	slog.Info("attachment posted",
		"room", roomID,
		"filename", att.Filename,
		"msgtype", content.MsgType,
	)
	return nil
}

func (c *Client) msgTypeFor(roomID, contentType string) string {
	if c.rooms == nil {
		return defaultFileMsgType
	}
	rule, ok := c.rooms.Room(roomID)
	if !ok {
		return defaultFileMsgType
	}
	if mapped := rule.Attachments.ContentMapping[contentType]; mapped != "" {
		return mapped
	}
	return defaultFileMsgType
}

// segmentTxnID returns the transaction id for posting seg into roomID. It
// is the same for every retry of a segment, so the homeserver applies a
// repeated send only once.
func segmentTxnID(seg *email.OutboundSegment, roomID string, kind email.SegmentKind) string {
	h := sha256.New()
	for _, part := range []string{seg.ID, seg.EmailID, roomID, kind.String(), seg.TextBody} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return "m2r-" + hex.EncodeToString(h.Sum(nil)[:16])
}

func (c *Client) sendEvent(ctx context.Context, roomID, txnID string, content any) (chat.SendStatus, error) {
	payload, err := json.Marshal(content)
	if err != nil {
		return chat.SendStatus{}, fmt.Errorf("failed to marshal event content: %w", err)
	}

	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s",
		url.PathEscape(roomID), messageEventType, url.PathEscape(txnID))

	var sent sendResponse
	status, err := c.do(ctx, http.MethodPut, path, payload, "application/json", &sent)
	if err == nil && status.OK() {
		status.Message = sent.EventID
	}
	return status, err
}

// ensureJoined makes sure the client is a member of roomID, joining it (and
// so accepting a pending invite) when it is not.
func (c *Client) ensureJoined(ctx context.Context, roomID string) (chat.SendStatus, error) {
	c.mu.Lock()
	loaded, joined := c.joinedLoaded, c.joined[roomID]
	c.mu.Unlock()

	if joined {
		return chat.SendStatus{StatusCode: http.StatusOK}, nil
	}

	if !loaded {
		var rooms joinedRoomsResponse
		status, err := c.do(ctx, http.MethodGet, "/_matrix/client/v3/joined_rooms", nil, "", &rooms)
		if err != nil || !status.OK() {
			return status, err
		}
		c.mu.Lock()
		for _, r := range rooms.JoinedRooms {
			c.joined[r] = true
		}
		c.joinedLoaded = true
		joined = c.joined[roomID]
		c.mu.Unlock()
		slog.Info("loaded joined rooms", "count", len(rooms.JoinedRooms))

		if joined {
			return chat.SendStatus{StatusCode: http.StatusOK}, nil
		}
	}

	slog.Info("joining room", "room", roomID)
	status, err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/join/"+url.PathEscape(roomID), []byte("{}"), "application/json", nil)
	if err != nil || !status.OK() {
		if err == nil {
			slog.Warn("failed to join room",
				"room", roomID,
				"status", status.StatusCode,
				"detail", status.Message,
			)
		}
		return status, err
	}

	c.mu.Lock()
	c.joined[roomID] = true
	c.mu.Unlock()
	return status, nil
}

// do performs an authenticated request. A 401 M_UNKNOWN_TOKEN triggers one
// re-login when a password is configured. On 200 the body is decoded into
// out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, payload []byte, contentType string, out any) (chat.SendStatus, error) {
	refreshed := false

	for {
		token, err := c.token.Token(ctx)
		if err != nil {
			return chat.SendStatus{}, fmt.Errorf("failed to get access token: %w", err)
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return chat.SendStatus{}, fmt.Errorf("failed to create request: %w", err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return chat.SendStatus{}, fmt.Errorf("HTTP request failed: %w", err)
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return chat.SendStatus{}, fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode == http.StatusOK {
			if out != nil {
				if err := json.Unmarshal(respBody, out); err != nil {
					return chat.SendStatus{}, fmt.Errorf("failed to parse response: %w", err)
				}
			}
			return chat.SendStatus{StatusCode: http.StatusOK}, nil
		}

		status, errCode := classifyResponse(resp.StatusCode, respBody, resp.Header.Get("Retry-After"))
		if resp.StatusCode == http.StatusUnauthorized && errCode == errCodeUnknownToken && !refreshed && c.token.CanRefresh() {
			slog.Info("logging in again after M_UNKNOWN_TOKEN")
			if _, err := c.token.ForceRefresh(ctx); err != nil {
				return chat.SendStatus{}, fmt.Errorf("token refresh failed: %w", err)
			}
			refreshed = true
			continue
		}

		if errCode == errCodeLimitExceeded {
			slog.Info("rate limited by homeserver",
				"path", path,
				"retry_after", status.RetryAfter,
			)
		}
		return status, nil
	}
}

// classifyResponse turns a non-200 response into a SendStatus and returns
// the Matrix error code, if any.
func classifyResponse(statusCode int, body []byte, retryAfterHeader string) (chat.SendStatus, string) {
	status := chat.SendStatus{StatusCode: statusCode, Message: strings.TrimSpace(string(body))}

	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.ErrCode != "" {
		status.Message = errResp.ErrCode
		if errResp.Error != "" {
			status.Message += ": " + errResp.Error
		}
		if errResp.RetryAfterMs > 0 {
			status.RetryAfter = time.Duration(errResp.RetryAfterMs) * time.Millisecond
		}
	}

	if status.RetryAfter == 0 && statusCode == http.StatusTooManyRequests {
		status.RetryAfter = retryAfterDelay(retryAfterHeader)
	}

	return status, errResp.ErrCode
}

// retryAfterDelay parses a Retry-After header given in seconds. It returns
// zero when the header is missing or unparseable.
func retryAfterDelay(retryAfter string) time.Duration {
	if retryAfter == "" {
		return 0
	}

	seconds, err := strconv.Atoi(retryAfter)
	if err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	return 0
}
