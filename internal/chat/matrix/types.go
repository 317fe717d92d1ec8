// Package matrix implements a Transport that posts into Matrix rooms through
// the client-server API.
package matrix

// messageEventType is the event type of every post.
const messageEventType = "m.room.message"

// htmlFormat marks formatted_body as HTML.
const htmlFormat = "org.matrix.custom.html"

// defaultFileMsgType is the msgtype used for attachments without a content
// mapping.
const defaultFileMsgType = "m.file"

// textContent is the content of an m.text event.
type textContent struct {
	MsgType       string `json:"msgtype"`
	Body          string `json:"body"`
	Format        string `json:"format,omitempty"`
	FormattedBody string `json:"formatted_body,omitempty"`
}

// fileContent is the content of an m.file, m.image or similar event.
type fileContent struct {
	MsgType string   `json:"msgtype"`
	Body    string   `json:"body"`
	URL     string   `json:"url"`
	Info    fileInfo `json:"info"`
}

type fileInfo struct {
	MimeType string `json:"mimetype,omitempty"`
	Size     int    `json:"size"`
}

// uploadResponse is returned by the media upload endpoint.
type uploadResponse struct {
	ContentURI string `json:"content_uri"`
}

// sendResponse is returned by the send event endpoint.
type sendResponse struct {
	EventID string `json:"event_id"`
}

// joinedRoomsResponse is returned by GET /joined_rooms.
type joinedRoomsResponse struct {
	JoinedRooms []string `json:"joined_rooms"`
}

// loginRequest is an m.login.password login.
type loginRequest struct {
	Type                     string          `json:"type"`
	Identifier               loginIdentifier `json:"identifier"`
	Password                 string          `json:"password"`
	InitialDeviceDisplayName string          `json:"initial_device_display_name,omitempty"`
}

type loginIdentifier struct {
	Type string `json:"type"`
	User string `json:"user"`
}

// loginResponse is the login endpoint response.
type loginResponse struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
	ExpiresInMs int64  `json:"expires_in_ms"`
}

// errorResponse is the standard Matrix error body.
type errorResponse struct {
	ErrCode      string `json:"errcode"`
	Error        string `json:"error"`
	RetryAfterMs int64  `json:"retry_after_ms"`
}

// Matrix error codes the client reacts to.
const (
	errCodeLimitExceeded = "M_LIMIT_EXCEEDED"
	errCodeUnknownToken  = "M_UNKNOWN_TOKEN"
)
