package websocket

import (
	"fmt"
	"net/http"
	"strings"

	"jikkyo/internal/app/channel"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Close codes as the legacy clients interpret them.
const (
	closeNormal          = websocket.CloseNormalClosure
	closeNotFound        = websocket.CloseProtocolError
	closePolicyViolation = websocket.ClosePolicyViolation
	closeInternalError   = websocket.CloseInternalServerErr
)

// upgrade accepts the socket. Rejections are sent as close frames after the
// upgrade, the way the legacy server did.
func (h *Hub) upgrade(c *gin.Context) (*Client, bool) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorw("Failed to upgrade connection",
			"path", c.Request.URL.Path,
			"client_ip", c.ClientIP(),
			"error", err,
		)
		return nil, false
	}
	conn.SetReadLimit(maxMessageSize)

	id := ClientID(c.ClientIP(), c.GetHeader("User-Agent"), h.opts.ClientIDSalt)
	return newClient(conn, id, h.opts.IdleTimeout), true
}

// parseChannel validates the path channel id without touching the database.
// Unknown ids are only counted, never logged one by one.
func (h *Hub) parseChannel(client *Client, raw string) (int, bool) {
	id, err := channel.ParseChannelID(raw)
	if err != nil {
		h.logger.Warnw("WebSocket connection rejected: invalid channel id",
			"channel_id", raw,
			"client_id", client.ID,
		)
		client.CloseWith(closePolicyViolation, fmt.Sprintf("[%s]: Invalid channel ID.", raw))
		return 0, false
	}
	if !channel.IsKnown(id) {
		h.unknown.Record(raw)
		client.CloseWith(closePolicyViolation, fmt.Sprintf("[%s]: Invalid channel ID.", raw))
		return 0, false
	}
	return id, true
}

// commentServerURI points the client at the comment session for channelKey,
// honouring a TLS-terminating proxy.
func commentServerURI(r *http.Request, channelKey string) string {
	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		switch strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0])) {
		case "https", "wss":
			scheme = "wss"
		default:
			scheme = "ws"
		}
	}
	return fmt.Sprintf("%s://%s/api/v1/channels/%s/ws/comment", scheme, r.Host, channelKey)
}
