package websocket

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"jikkyo/internal/app/channel"
	"jikkyo/internal/app/comment"
	"jikkyo/internal/app/thread"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	errClientGone   = errors.New("client disconnected")
	errSessionEnded = errors.New("session ended")
)

type watchSession struct {
	hub        *Hub
	client     *Client
	thread     *thread.Thread
	channelKey string
	roomURI    string
	limiter    *PostLimiter
	counter    *comment.CounterReader
	logger     *zap.SugaredLogger
}

// ServeWatch handles GET /channels/:channel_id/ws/watch[?thread_id=].
func (h *Hub) ServeWatch(c *gin.Context) {
	raw := c.Param("channel_id")
	client, ok := h.upgrade(c)
	if !ok {
		return
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()

	th, channelKey, ok := h.resolveWatchThread(ctx, client, raw, c.Query("thread_id"))
	if !ok {
		return
	}

	s := &watchSession{
		hub:        h,
		client:     client,
		thread:     th,
		channelKey: channelKey,
		roomURI:    commentServerURI(c.Request, channelKey),
		limiter:    NewPostLimiter(),
		counter:    h.comments.NewCounterReader(th.ID),
		logger:     h.logger.With("channel_id", channelKey, "client_id", client.ID),
	}
	s.logger.Infow("Watch session connected",
		"thread_id", th.ID,
		"user_agent", c.GetHeader("User-Agent"),
	)
	s.serve(ctx)
}

// resolveWatchThread validates the channel and picks the thread to watch,
// closing the socket with the matching code when that fails.
func (h *Hub) resolveWatchThread(ctx context.Context, client *Client, raw, threadParam string) (*thread.Thread, string, bool) {
	channelID, ok := h.parseChannel(client, raw)
	if !ok {
		return nil, "", false
	}

	var threadID uint64
	if threadParam != "" {
		id, err := strconv.ParseUint(threadParam, 10, 64)
		if err != nil || id == 0 {
			client.CloseWith(closePolicyViolation, fmt.Sprintf("[%s]: Invalid thread ID.", raw))
			return nil, "", false
		}
		threadID = id
	}

	// an alias is served by its target unless a thread of its own was asked for
	if target, isAlias := channel.AliasTarget(channelID); isAlias {
		ownThread := false
		if threadID != 0 {
			th, err := h.threads.GetThreadByID(ctx, threadID)
			ownThread = err == nil && th.ChannelID == channelID
		}
		if !ownThread {
			h.logger.Infow("Channel redirected", "from", raw, "to", channel.FormatChannelID(target))
			channelID = target
		}
	}
	channelKey := channel.FormatChannelID(channelID)

	if threadID == 0 {
		th, err := h.threads.GetActiveThread(ctx, channelID, time.Now())
		if err != nil {
			h.logger.Errorw("Failed to resolve active thread", "channel_id", channelKey, "error", err)
			client.CloseWith(closeInternalError, fmt.Sprintf("[%s]: Error during connection.", channelKey))
			return nil, "", false
		}
		if th == nil {
			client.CloseWith(closeNotFound, fmt.Sprintf("[%s]: Active thread not found.", channelKey))
			return nil, "", false
		}
		return th, channelKey, true
	}

	th, err := h.threads.GetThreadByIDAndChannel(ctx, threadID, channelID)
	if errors.Is(err, thread.ErrThreadNotFound) {
		h.logger.Warnw("Watch session thread not found", "channel_id", channelKey, "thread_id", threadID)
		client.CloseWith(closeNotFound, fmt.Sprintf("[%s]: Thread not found.", channelKey))
		return nil, "", false
	}
	if err != nil {
		h.logger.Errorw("Failed to get thread", "channel_id", channelKey, "thread_id", threadID, "error", err)
		client.CloseWith(closeInternalError, fmt.Sprintf("[%s]: Error during connection.", channelKey))
		return nil, "", false
	}
	if th.StatusAt(time.Now()) == thread.StatusUpcoming {
		client.CloseWith(closeNotFound, fmt.Sprintf("[%s]: Thread is upcoming.", channelKey))
		return nil, "", false
	}
	return th, channelKey, true
}

func (s *watchSession) serve(ctx context.Context) {
	if _, err := s.hub.stats.IncrViewers(ctx, s.channelKey); err != nil {
		s.logger.Warnw("Failed to increment viewer count", "error", err)
	}
	defer func() {
		// the session context may already be cancelled here
		decCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.hub.stats.DecrViewers(decCtx, s.channelKey); err != nil {
			s.logger.Warnw("Failed to decrement viewer count", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	// unblock the reader once either task is done
	stop := context.AfterFunc(gctx, s.client.Close)
	defer stop()

	g.Go(s.guard(gctx, "receiver", s.receive))
	g.Go(s.guard(gctx, "sender", s.send))

	err := g.Wait()
	switch {
	case err == nil, errors.Is(err, errClientGone), errors.Is(err, errSessionEnded), errors.Is(err, context.Canceled):
		s.logger.Infow("Watch session disconnected")
	default:
		s.logger.Errorw("Watch session failed", "error", err)
	}
}

// guard runs one session task. An unexpected failure or panic tells the client
// before the socket is torn down.
func (s *watchSession) guard(ctx context.Context, name string, task func(context.Context) error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s panicked: %v", name, r)
			}
			if err != nil && !errors.Is(err, errClientGone) && !errors.Is(err, errSessionEnded) && !errors.Is(err, context.Canceled) {
				s.abort()
			}
		}()
		return task(ctx)
	}
}

func (s *watchSession) abort() {
	_ = s.client.WriteJSON(outbound{Type: "disconnect", Data: disconnectData{Reason: reasonUnavailable}})
	s.client.CloseWith(closeInternalError, fmt.Sprintf("[%s]: Error during connection.", s.channelKey))
}

func (s *watchSession) write(v interface{}) error {
	if err := s.client.WriteJSON(v); err != nil {
		return fmt.Errorf("%w: %v", errClientGone, err)
	}
	return nil
}

func (s *watchSession) receive(ctx context.Context) error {
	for {
		raw, err := s.client.Read()
		if err != nil {
			return fmt.Errorf("%w: %v", errClientGone, err)
		}

		msg, ok := ParseWatchMessage(raw)
		if !ok {
			continue
		}

		switch msg.Kind {
		case InboundInvalid:
			err = s.write(outbound{Type: "error", Data: errorData{Message: errInvalidMessage}})
		case InboundStartWatching:
			err = s.startWatching(ctx)
		case InboundKeepSeat, InboundPong:
		case InboundPostComment:
			err = s.postComment(ctx, msg)
		case InboundUnknown:
			s.logger.Debugw("Ignoring unknown message type", "type", msg.Type)
		}
		if err != nil {
			return err
		}
	}
}

func (s *watchSession) startWatching(ctx context.Context) error {
	th := s.thread
	messages := []outbound{
		{Type: "serverTime", Data: serverTimeStart{CurrentMs: isoTime(time.Now().In(thread.Location))}},
		{Type: "seat", Data: seatData{KeepIntervalSec: 30}},
		{Type: "schedule", Data: scheduleData{
			Begin: isoTime(th.StartAt.In(thread.Location)),
			End:   isoTime(th.EndAt.In(thread.Location)),
		}},
		{Type: "room", Data: roomData{
			MessageServer: messageServer{URI: s.roomURI, Type: "niwavided"},
			Name:          "アリーナ",
			ThreadID:      strconv.FormatUint(th.ID, 10),
			IsFirst:       true,
			WaybackKey:    "DUMMY_TOKEN",
			YourPostKey:   s.client.ID,
			VposBaseTime:  isoTime(th.StartAt.In(thread.Location)),
		}},
		{Type: "statistics", Data: s.statistics(ctx)},
	}
	for _, m := range messages {
		if err := s.write(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *watchSession) statistics(ctx context.Context) statisticsData {
	viewers, err := s.hub.stats.Viewers(ctx, s.channelKey)
	if err != nil {
		s.logger.Warnw("Failed to read viewer count, reporting zero", "error", err)
		viewers = 0
	}
	return statisticsData{
		Viewers:  viewers,
		Comments: s.counter.Read(ctx),
	}
}

func (s *watchSession) postComment(ctx context.Context, msg InboundMessage) error {
	if s.thread.HasEnded(time.Now()) {
		return s.write(outbound{Type: "error", Data: errorData{Message: errNotOnAir}})
	}
	if msg.PostErr != nil {
		s.logger.Warnw("Rejected malformed postComment", "error", msg.PostErr)
		return s.write(outbound{Type: "error", Data: errorData{Message: errInvalidMessage}})
	}

	p := msg.Post
	mail := p.Mail()

	if !s.limiter.Allow() {
		if s.limiter.Muted() {
			s.logger.Warnw("Comment discarded, client muted for rapid posting")
		} else {
			s.logger.Warnw("Comment discarded, posted too quickly")
		}
		return s.write(newPostResult(mail, p.IsAnonymous, p.Text))
	}

	vpos := p.Vpos
	posted, err := s.hub.comments.PostComment(ctx, s.thread, comment.PostInput{
		Vpos:      &vpos,
		Mail:      mail,
		UserID:    s.client.ID,
		Anonymity: p.IsAnonymous,
		Content:   p.Text,
	})
	if errors.Is(err, comment.ErrThreadEnded) {
		return s.write(outbound{Type: "error", Data: errorData{Message: errNotOnAir}})
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Errorw("Failed to post comment", "thread_id", s.thread.ID, "error", err)
		return s.write(outbound{Type: "error", Data: errorData{Message: errInvalidMessage}})
	}

	s.logger.Infow("Comment posted", "thread_id", s.thread.ID, "no", posted.No)
	return s.write(newPostResult(posted.Mail, posted.Anonymity, posted.Content))
}

// send pushes the periodic statistics, server time and ping messages, and ends
// the session when a thread that was live at connect time goes off air.
func (s *watchSession) send(ctx context.Context) error {
	t := s.hub.timings
	ticker := time.NewTicker(t.tick)
	defer ticker.Stop()

	start := time.Now()
	onAir := s.thread.IsLive(start)
	lastStatistics, lastServerTime, lastPing := start, start, start

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		now := time.Now()
		if now.Sub(lastStatistics) >= t.statistics {
			if err := s.write(outbound{Type: "statistics", Data: s.statistics(ctx)}); err != nil {
				return err
			}
			lastStatistics = now
		}
		if now.Sub(lastServerTime) >= t.serverTime {
			if err := s.write(outbound{Type: "serverTime", Data: serverTimeTick{ServerTime: isoTime(now.In(thread.Location))}}); err != nil {
				return err
			}
			lastServerTime = now
		}
		if now.Sub(lastPing) >= t.ping {
			if err := s.write(outbound{Type: "ping"}); err != nil {
				return err
			}
			lastPing = now
		}

		if onAir && s.thread.HasEnded(now) {
			s.logger.Infow("Watch session closed, thread ended", "thread_id", s.thread.ID)
			if err := s.write(outbound{Type: "disconnect", Data: disconnectData{Reason: reasonEndProgram}}); err != nil {
				return err
			}
			s.client.CloseWith(closeNormal, "")
			return errSessionEnded
		}
	}
}
