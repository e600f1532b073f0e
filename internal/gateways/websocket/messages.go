package websocket

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// InboundKind enumerates the watch session messages a client may send.
type InboundKind int

const (
	// InboundInvalid is valid JSON that is not a typed message.
	InboundInvalid InboundKind = iota
	// InboundUnknown carries a type this server does not handle.
	InboundUnknown
	InboundStartWatching
	InboundKeepSeat
	InboundPong
	InboundPostComment
)

func (k InboundKind) String() string {
	switch k {
	case InboundInvalid:
		return "invalid"
	case InboundUnknown:
		return "unknown"
	case InboundStartWatching:
		return "startWatching"
	case InboundKeepSeat:
		return "keepSeat"
	case InboundPong:
		return "pong"
	case InboundPostComment:
		return "postComment"
	default:
		return "unknown"
	}
}

var inboundKinds = map[string]InboundKind{
	"startWatching": InboundStartWatching,
	"keepSeat":      InboundKeepSeat,
	"pong":          InboundPong,
	"postComment":   InboundPostComment,
}

type InboundMessage struct {
	Kind InboundKind
	// Type is the raw type string, kept for logging unknown kinds.
	Type string
	Post *PostComment
	// PostErr is set when a postComment payload failed validation.
	PostErr error
}

type PostComment struct {
	Vpos        int64
	IsAnonymous bool
	Color       string
	Position    string
	Size        string
	Font        string
	Text        string
}

var (
	errMissingText      = errors.New("text is required")
	errMissingAnonymous = errors.New("isAnonymous must be a boolean")
	errMissingVpos      = errors.New("vpos is required")
)

// Mail builds the legacy command string: 184 for anonymous posts, then any
// color, position, size and font commands, space separated.
func (p *PostComment) Mail() string {
	var commands []string
	if p.IsAnonymous {
		commands = append(commands, "184")
	}
	for _, cmd := range []string{p.Color, p.Position, p.Size, p.Font} {
		if cmd != "" {
			commands = append(commands, cmd)
		}
	}
	return strings.Join(commands, " ")
}

// ParseWatchMessage decodes one watch session frame. ok is false when the frame
// is not JSON at all; such frames are ignored.
func ParseWatchMessage(raw []byte) (msg InboundMessage, ok bool) {
	if !json.Valid(raw) {
		return InboundMessage{}, false
	}

	var env struct {
		Type *string         `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == nil {
		return InboundMessage{Kind: InboundInvalid}, true
	}

	kind, known := inboundKinds[*env.Type]
	if !known {
		return InboundMessage{Kind: InboundUnknown, Type: *env.Type}, true
	}

	msg = InboundMessage{Kind: kind, Type: *env.Type}
	if kind == InboundPostComment {
		msg.Post, msg.PostErr = parsePostComment(env.Data)
	}
	return msg, true
}

func parsePostComment(data json.RawMessage) (*PostComment, error) {
	var payload struct {
		Vpos        *json.Number `json:"vpos"`
		IsAnonymous *bool        `json:"isAnonymous"`
		Color       *string      `json:"color"`
		Position    *string      `json:"position"`
		Size        *string      `json:"size"`
		Font        *string      `json:"font"`
		Text        *string      `json:"text"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}

	switch {
	case payload.Text == nil:
		return nil, errMissingText
	case payload.IsAnonymous == nil:
		return nil, errMissingAnonymous
	case payload.Vpos == nil:
		return nil, errMissingVpos
	}

	vpos, err := payload.Vpos.Int64()
	if err != nil {
		f, ferr := payload.Vpos.Float64()
		if ferr != nil {
			return nil, errMissingVpos
		}
		vpos = int64(f)
	}

	return &PostComment{
		Vpos:        vpos,
		IsAnonymous: *payload.IsAnonymous,
		Color:       deref(payload.Color),
		Position:    deref(payload.Position),
		Size:        deref(payload.Size),
		Font:        deref(payload.Font),
		Text:        *payload.Text,
	}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Outbound watch session messages share the {type, data} envelope.
type outbound struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type serverTimeStart struct {
	CurrentMs string `json:"currentMs"`
}

type serverTimeTick struct {
	ServerTime string `json:"serverTime"`
}

type seatData struct {
	KeepIntervalSec int `json:"keepIntervalSec"`
}

type scheduleData struct {
	Begin string `json:"begin"`
	End   string `json:"end"`
}

type messageServer struct {
	URI  string `json:"uri"`
	Type string `json:"type"`
}

type roomData struct {
	MessageServer messageServer `json:"messageServer"`
	Name          string        `json:"name"`
	ThreadID      string        `json:"threadId"`
	IsFirst       bool          `json:"isFirst"`
	WaybackKey    string        `json:"waybackkey"`
	YourPostKey   string        `json:"yourPostKey"`
	VposBaseTime  string        `json:"vposBaseTime"`
}

type statisticsData struct {
	Viewers    int64 `json:"viewers"`
	Comments   int64 `json:"comments"`
	AdPoints   int   `json:"adPoints"`
	GiftPoints int   `json:"giftPoints"`
}

type postResultChat struct {
	Mail       string `json:"mail"`
	Anonymity  int    `json:"anonymity"`
	Content    string `json:"content"`
	Restricted bool   `json:"restricted"`
}

type postResultData struct {
	Chat postResultChat `json:"chat"`
}

type errorData struct {
	Message string `json:"message"`
}

type disconnectData struct {
	Reason string `json:"reason"`
}

const (
	errInvalidMessage = "INVALID_MESSAGE"
	errNotOnAir       = "NOT_ON_AIR"

	reasonEndProgram  = "END_PROGRAM"
	reasonUnavailable = "SERVICE_TEMPORARILY_UNAVAILABLE"
)

func newPostResult(mail string, anonymous bool, content string) outbound {
	anonymity := 0
	if anonymous {
		anonymity = 1
	}
	return outbound{Type: "postCommentResult", Data: postResultData{Chat: postResultChat{
		Mail:       mail,
		Anonymity:  anonymity,
		Content:    content,
		Restricted: false,
	}}}
}

func isoTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

// Comment session frames.

type pingMessage struct {
	Ping pingContent `json:"ping"`
}

type pingContent struct {
	Content string `json:"content"`
}

type threadAck struct {
	Thread threadAckData `json:"thread"`
}

type threadAckData struct {
	ResultCode int    `json:"resultcode"`
	Thread     string `json:"thread"`
	LastRes    int64  `json:"last_res"`
	Ticket     string `json:"ticket"`
	Revision   int    `json:"revision"`
	ServerTime int64  `json:"server_time"`
}
