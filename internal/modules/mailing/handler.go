package mailing

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/x-notify/core/internal/models"
	"github.com/x-notify/core/internal/pkg/response"
	"go.uber.org/zap"
)

// AuthorizeFunc gates mailing routes with a topic access code.
type AuthorizeFunc func(ctx context.Context, topicID, accessCode, task string) bool

type Handler struct {
	svc       *Service
	authorize AuthorizeFunc
	log       *zap.Logger
}

func NewHandler(svc *Service, authorize AuthorizeFunc, log *zap.Logger) *Handler {
	return &Handler{svc: svc, authorize: authorize, log: log}
}

// RegisterRoutes mounts the mailing workflow API.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	g := rg.Group("/mailing/:accessCode/:topicId")
	g.POST("/create", h.create)
	g.GET("/list", h.list)
	g.GET("/view/:mailingId", h.view)
	g.GET("/history/:mailingId", h.history)
	g.POST("/save/:mailingId", h.save)
	g.POST("/test/:mailingId", h.saveTest)
	g.POST("/approval/:mailingId", h.approval)
	g.POST("/approved/:mailingId", h.approved)
	g.POST("/cancel/:mailingId", h.cancel)
	g.POST("/send/:mailingId", h.send)
}

func (h *Handler) gate(c *gin.Context, task string) (string, bool) {
	topicID := c.Param("topicId")
	if !h.authorize(c.Request.Context(), topicID, c.Param("accessCode"), task) {
		response.Unauthorized(c)
		return "", false
	}
	return topicID, true
}

// owned loads the mailing and refuses codes borrowed from another topic.
func (h *Handler) owned(c *gin.Context, topicID string) (*models.MailingModel, bool) {
	m, err := h.svc.View(c.Request.Context(), c.Param("mailingId"))
	if errors.Is(err, ErrNotFound) {
		response.NotFound(c)
		return nil, false
	}
	if err != nil {
		response.InternalError(c, err)
		return nil, false
	}
	if m.TopicID != topicID {
		response.Unauthorized(c)
		return nil, false
	}
	return m, true
}

type createRequest struct {
	Title string `json:"title" binding:"required"`
}

func (h *Handler) create(c *gin.Context) {
	topicID, ok := h.gate(c, "mailing-create")
	if !ok {
		return
	}
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	m, err := h.svc.Create(c.Request.Context(), topicID, req.Title)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Created(c, m)
}

func (h *Handler) list(c *gin.Context) {
	topicID, ok := h.gate(c, "mailing-list")
	if !ok {
		return
	}
	ms, err := h.svc.List(c.Request.Context(), []string{topicID})
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, gin.H{"topicId": topicID, "mailings": ms})
}

func (h *Handler) view(c *gin.Context) {
	topicID, ok := h.gate(c, "mailing-view")
	if !ok {
		return
	}
	m, ok := h.owned(c, topicID)
	if !ok {
		return
	}
	response.OK(c, m)
}

func (h *Handler) history(c *gin.Context) {
	topicID, ok := h.gate(c, "mailing-view")
	if !ok {
		return
	}
	m, ok := h.owned(c, topicID)
	if !ok {
		return
	}
	entries, err := h.svc.History(c.Request.Context(), m.ID)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, gin.H{"mailingId": m.ID, "history": entries})
}

type saveRequest struct {
	Title    string `json:"title" binding:"required"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	Comments string `json:"comments"`
	Email    string `json:"email"` // test-send recipient
}

func (h *Handler) save(c *gin.Context) {
	topicID, ok := h.gate(c, "mailing-edit")
	if !ok {
		return
	}
	m, ok := h.owned(c, topicID)
	if !ok {
		return
	}
	var req saveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	saved, err := h.svc.Save(c.Request.Context(), m.ID, req.Title, req.Subject, req.Body, req.Comments)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, saved)
}

func (h *Handler) saveTest(c *gin.Context) {
	topicID, ok := h.gate(c, "mailing-edit")
	if !ok {
		return
	}
	m, ok := h.owned(c, topicID)
	if !ok {
		return
	}
	var req saveRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" {
		response.BadRequest(c, "title and email are required")
		return
	}
	saved, err := h.svc.SaveTest(c.Request.Context(), m.ID, req.Email, req.Title, req.Subject, req.Body, req.Comments)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, saved)
}

func (h *Handler) approval(c *gin.Context) {
	h.workflow(c, "mailing-edit", func(ctx context.Context, id string) error {
		_, err := h.svc.Approval(ctx, id)
		return err
	})
}

func (h *Handler) approved(c *gin.Context) {
	h.workflow(c, "mailing-approve", func(ctx context.Context, id string) error {
		_, err := h.svc.Approve(ctx, id)
		return err
	})
}

func (h *Handler) cancel(c *gin.Context) {
	h.workflow(c, "mailing-edit", func(ctx context.Context, id string) error {
		_, err := h.svc.Cancel(ctx, id)
		return err
	})
}

func (h *Handler) send(c *gin.Context) {
	h.workflow(c, "mailing-send", func(ctx context.Context, id string) error {
		return h.svc.SendToSubs(ctx, id)
	})
}

func (h *Handler) workflow(c *gin.Context, task string, op func(ctx context.Context, mailingID string) error) {
	topicID, ok := h.gate(c, task)
	if !ok {
		return
	}
	m, ok := h.owned(c, topicID)
	if !ok {
		return
	}
	if err := op(c.Request.Context(), m.ID); err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, gin.H{"ok": 1, "mailingId": m.ID})
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		response.NotFound(c)
	case errors.Is(err, ErrTitleRequired),
		errors.Is(err, ErrTopicNotFound),
		errors.Is(err, ErrNotInState),
		errors.Is(err, ErrNoApprovers),
		errors.Is(err, ErrNoSubscribers),
		errors.Is(err, ErrTopicNotReady):
		response.BadRequest(c, err.Error())
	default:
		h.log.Error("mailing request failed", zap.Error(err))
		response.InternalError(c, err)
	}
}
