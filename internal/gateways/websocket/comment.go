package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"jikkyo/internal/app/channel"
	"jikkyo/internal/app/thread"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// markerStep is how far the rs/ps/pf/rf marker number advances per thread command.
const markerStep = 5

type commentSession struct {
	hub         *Hub
	client      *Client
	requestedID int
	channelID   int
	channelKey  string
	logger      *zap.SugaredLogger

	markerSeq int
	tail      *liveTail
}

type liveTail struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type threadCommand struct {
	ThreadID  uint64
	ThreadKey string
	ResFrom   int64
	When      *time.Time
}

// ServeComment handles GET /channels/:channel_id/ws/comment.
func (h *Hub) ServeComment(c *gin.Context) {
	raw := c.Param("channel_id")
	client, ok := h.upgrade(c)
	if !ok {
		return
	}
	defer client.Close()

	requested, ok := h.parseChannel(client, raw)
	if !ok {
		return
	}
	channelID, _ := channel.AliasTarget(requested)

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, client.Close)
	defer stop()

	s := &commentSession{
		hub:         h,
		client:      client,
		requestedID: requested,
		channelID:   channelID,
		channelKey:  channel.FormatChannelID(channelID),
		logger:      h.logger.With("channel_id", channel.FormatChannelID(channelID), "client_id", client.ID),
	}
	s.logger.Infow("Comment session connected", "user_agent", c.GetHeader("User-Agent"))

	err := s.run(ctx)
	s.stopTail()

	switch {
	case err == nil, errors.Is(err, errClientGone), errors.Is(err, errSessionEnded), errors.Is(err, context.Canceled):
		s.logger.Infow("Comment session disconnected")
	default:
		s.logger.Errorw("Comment session failed", "error", err)
		client.CloseWith(closeInternalError, fmt.Sprintf("[%s]: Error during connection.", s.channelKey))
	}
}

func (s *commentSession) run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("comment session panicked: %v", r)
		}
	}()

	for {
		raw, err := s.client.Read()
		if err != nil {
			return fmt.Errorf("%w: %v", errClientGone, err)
		}
		if !json.Valid(raw) {
			continue
		}
		if err := s.handleFrame(ctx, raw); err != nil {
			return err
		}
	}
}

// handleFrame processes one JSON array of ping and thread commands in order.
func (s *commentSession) handleFrame(ctx context.Context, raw []byte) error {
	var elements []json.RawMessage
	if err := json.Unmarshal(raw, &elements); err != nil {
		s.logger.Warnw("Invalid comment session frame, not a list", "frame", truncate(raw))
		s.client.CloseWith(closePolicyViolation, fmt.Sprintf("[%s]: Invalid message (not list).", s.channelKey))
		return errSessionEnded
	}

	commands := make([]map[string]json.RawMessage, 0, len(elements))
	hasPing := false
	for _, el := range elements {
		var cmd map[string]json.RawMessage
		if err := json.Unmarshal(el, &cmd); err != nil || cmd == nil {
			s.logger.Warnw("Invalid comment session frame, element not an object", "element", truncate(el))
			s.client.CloseWith(closePolicyViolation, fmt.Sprintf("[%s]: Invalid message (not dict).", s.channelKey))
			return errSessionEnded
		}
		if _, ok := cmd["ping"]; ok {
			hasPing = true
		}
		commands = append(commands, cmd)
	}

	for i, cmd := range commands {
		if _, ok := cmd["ping"]; ok {
			// echoed verbatim; clients use the echo to find the end of the backlog
			if err := s.write(elements[i]); err != nil {
				return err
			}
		}
		if body, ok := cmd["thread"]; ok {
			if err := s.handleThread(ctx, body, !hasPing); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *commentSession) handleThread(ctx context.Context, body json.RawMessage, markers bool) error {
	cmd, err := parseThreadCommand(body)
	if err != nil {
		s.logger.Warnw("Invalid thread command", "command", truncate(body), "error", err)
		s.client.CloseWith(closePolicyViolation, fmt.Sprintf("[%s]: Invalid message.", s.channelKey))
		return errSessionEnded
	}
	if cmd.ResFrom > 0 {
		s.logger.Warnw("Invalid res_from", "res_from", cmd.ResFrom)
		s.client.CloseWith(closePolicyViolation, fmt.Sprintf("[%s]: Invalid res_from: %d", s.channelKey, cmd.ResFrom))
		return errSessionEnded
	}

	th, err := s.lookupThread(ctx, cmd.ThreadID)
	if err != nil {
		return err
	}
	s.logger.Infow("Thread requested", "thread_id", th.ID, "res_from", cmd.ResFrom, "historical", cmd.When != nil)

	limit := int64(math.Abs(float64(cmd.ResFrom)))
	backlog, err := s.hub.comments.GetBacklog(ctx, th.ID, int(limit), cmd.When)
	if err != nil {
		return err
	}

	lastRes := int64(-1)
	if len(backlog) > 0 {
		lastRes = backlog[len(backlog)-1].No
	}
	if err := s.writeJSON(threadAck{Thread: threadAckData{
		ResultCode: 0,
		Thread:     strconv.FormatUint(th.ID, 10),
		LastRes:    lastRes,
		Ticket:     "0x12345678",
		Revision:   1,
		ServerTime: time.Now().Unix(),
	}}); err != nil {
		return err
	}

	seq := s.markerSeq
	s.markerSeq += markerStep
	if markers {
		if err := s.writeMarkers(seq, "rs", "ps"); err != nil {
			return err
		}
	}
	for _, c := range backlog {
		if err := s.writeJSON(c.ToChat().WithYourPost(cmd.ThreadKey)); err != nil {
			return err
		}
	}
	if markers {
		if err := s.writeMarkers(seq, "pf", "rf"); err != nil {
			return err
		}
	}

	if cmd.When == nil && th.IsLive(time.Now()) {
		s.startTail(th, cmd.ThreadKey)
	}
	return nil
}

// lookupThread resolves the requested thread, or the channel's active thread
// when none was given. It closes the socket itself when nothing is found.
func (s *commentSession) lookupThread(ctx context.Context, threadID uint64) (*thread.Thread, error) {
	if threadID == 0 {
		th, err := s.hub.threads.GetActiveThread(ctx, s.channelID, time.Now())
		if err != nil {
			return nil, err
		}
		if th == nil {
			s.client.CloseWith(closeNotFound, fmt.Sprintf("[%s]: Active thread not found.", s.channelKey))
			return nil, errSessionEnded
		}
		return th, nil
	}

	th, err := s.hub.threads.GetThreadByID(ctx, threadID)
	if errors.Is(err, thread.ErrThreadNotFound) {
		s.logger.Warnw("Comment session thread not found", "thread_id", threadID)
		s.client.CloseWith(closeNotFound, fmt.Sprintf("[%s]: Thread not found.", s.channelKey))
		return nil, errSessionEnded
	}
	if err != nil {
		return nil, err
	}

	// an alias channel's own historical threads are reported under its own id
	if s.requestedID != s.channelID && th.ChannelID == s.requestedID {
		s.channelKey = channel.FormatChannelID(s.requestedID)
		s.logger = s.hub.logger.With("channel_id", s.channelKey, "client_id", s.client.ID)
	}
	return th, nil
}

func (s *commentSession) writeMarkers(seq int, prefixes ...string) error {
	for _, p := range prefixes {
		if err := s.writeJSON(pingMessage{Ping: pingContent{Content: p + ":" + strconv.Itoa(seq)}}); err != nil {
			return err
		}
	}
	return nil
}

func (s *commentSession) write(data []byte) error {
	if err := s.client.WriteRaw(data); err != nil {
		return fmt.Errorf("%w: %v", errClientGone, err)
	}
	return nil
}

func (s *commentSession) writeJSON(v interface{}) error {
	if err := s.client.WriteJSON(v); err != nil {
		return fmt.Errorf("%w: %v", errClientGone, err)
	}
	return nil
}

// startTail replaces any running live tail with one for th.
func (s *commentSession) startTail(th *thread.Thread, threadKey string) {
	s.stopTail()

	ctx, cancel := context.WithCancel(s.hub.ctx)
	done := make(chan struct{})
	s.tail = &liveTail{cancel: cancel, done: done}
	channelKey, logger := s.channelKey, s.logger
	go func() {
		defer close(done)
		s.runTail(ctx, th, threadKey, channelKey, logger)
	}()
}

func (s *commentSession) stopTail() {
	if s.tail == nil {
		return
	}
	s.tail.cancel()
	<-s.tail.done
	s.tail = nil
}

// runTail streams newly published comments until the thread ends or ctx is
// cancelled. It only reads the session through its arguments and the client,
// since the receiver may rebind the channel key while it runs.
func (s *commentSession) runTail(ctx context.Context, th *thread.Thread, threadKey, channelKey string, logger *zap.SugaredLogger) {
	sub := NewSubscriber(threadKey, subscriberQueueSize)
	b := s.hub.Subscribe(th.ID, sub)
	defer s.hub.Unsubscribe(th.ID, b, sub)
	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("Live tail panicked", "thread_id", th.ID, "panic", r)
			s.client.CloseWith(closeInternalError, fmt.Sprintf("[%s]: Unexpected error.", channelKey))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-sub.Messages():
			var err error
			if m.UserID != "" && sub.ThreadKey == m.UserID {
				err = s.client.WriteJSON(m.Chat.WithYourPost(sub.ThreadKey))
			} else {
				err = s.client.WriteRaw(m.Raw)
			}
			if err != nil {
				return
			}
		case <-time.After(s.hub.timings.tailWait):
		}

		if time.Now().After(th.EndAt) {
			logger.Infow("Comment session closed, thread ended", "thread_id", th.ID)
			s.client.CloseWith(closeNormal, "")
			return
		}
	}
}

func parseThreadCommand(body json.RawMessage) (threadCommand, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return threadCommand{}, errors.New("thread command is not an object")
	}

	var cmd threadCommand
	if v, ok := fields["thread"]; ok {
		s, err := looseString(v)
		if err != nil {
			return cmd, fmt.Errorf("invalid thread: %w", err)
		}
		if s != "" {
			id, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				return cmd, fmt.Errorf("invalid thread: %w", err)
			}
			cmd.ThreadID = id
		}
	}

	v, ok := fields["res_from"]
	if !ok {
		return cmd, errors.New("res_from is required")
	}
	s, err := looseString(v)
	if err != nil {
		return cmd, fmt.Errorf("invalid res_from: %w", err)
	}
	resFrom, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return cmd, fmt.Errorf("invalid res_from: %w", err)
		}
		resFrom = int64(f)
	}
	cmd.ResFrom = resFrom

	if v, ok := fields["threadkey"]; ok {
		key, err := looseString(v)
		if err != nil {
			return cmd, fmt.Errorf("invalid threadkey: %w", err)
		}
		cmd.ThreadKey = key
	}

	if v, ok := fields["when"]; ok {
		s, err := looseString(v)
		if err != nil {
			return cmd, fmt.Errorf("invalid when: %w", err)
		}
		sec, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return cmd, fmt.Errorf("invalid when: %w", err)
		}
		whole, frac := math.Modf(sec)
		when := time.Unix(int64(whole), int64(frac*float64(time.Second)))
		cmd.When = &when
	}
	return cmd, nil
}

// looseString reads a JSON string or number as text. null reads as "".
func looseString(raw json.RawMessage) (string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
