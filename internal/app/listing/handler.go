package listing

import (
	"errors"
	"net/http"
	"strconv"

	"jikkyo/internal/app/channel"
	"jikkyo/internal/app/thread"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Handler interface {
	GetChannels(c *gin.Context)
	GetChannel(c *gin.Context)
	GetChannelThreads(c *gin.Context)
	GetThread(c *gin.Context)
}

type handler struct {
	service Service
	logger  *zap.SugaredLogger
}

func NewHandler(service Service, logger *zap.Logger) Handler {
	return &handler{service: service, logger: logger.Sugar()}
}

// GetChannels lists every channel with its recent threads.
// Pass full=true to include all threads.
func (h *handler) GetChannels(c *gin.Context) {
	full, _ := strconv.ParseBool(c.DefaultQuery("full", "false"))

	channels, err := h.service.GetChannels(c.Request.Context(), full)
	if err != nil {
		h.logger.Errorw("Failed to list channels", "full", full, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to fetch channels"})
		return
	}
	c.JSON(http.StatusOK, channels)
}

func (h *handler) GetChannel(c *gin.Context) {
	id, ok := h.channelParam(c)
	if !ok {
		return
	}

	ch, err := h.service.GetChannel(c.Request.Context(), id)
	if errors.Is(err, ErrChannelNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "channel not found"})
		return
	}
	if err != nil {
		h.logger.Errorw("Failed to get channel", "channel_id", c.Param("channel_id"), "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to fetch channel"})
		return
	}
	c.JSON(http.StatusOK, ch)
}

// GetChannelThreads lists all of a channel's threads, newest first, without statistics.
func (h *handler) GetChannelThreads(c *gin.Context) {
	id, ok := h.channelParam(c)
	if !ok {
		return
	}

	threads, err := h.service.GetChannelThreads(c.Request.Context(), id)
	if errors.Is(err, ErrChannelNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "channel not found"})
		return
	}
	if err != nil {
		h.logger.Errorw("Failed to list channel threads", "channel_id", c.Param("channel_id"), "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to fetch threads"})
		return
	}
	c.JSON(http.StatusOK, threads)
}

func (h *handler) GetThread(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("thread_id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid thread id"})
		return
	}

	th, err := h.service.GetThread(c.Request.Context(), id)
	if errors.Is(err, thread.ErrThreadNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "thread not found"})
		return
	}
	if err != nil {
		h.logger.Errorw("Failed to get thread", "thread_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to fetch thread"})
		return
	}
	c.JSON(http.StatusOK, th)
}

func (h *handler) channelParam(c *gin.Context) (int, bool) {
	id, err := channel.ParseChannelID(c.Param("channel_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid channel id"})
		return 0, false
	}
	return id, true
}
