package subscription

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/x-notify/core/internal/config"
	"github.com/x-notify/core/internal/pkg/response"
	"go.uber.org/zap"
)

// AuthorizeFunc gates manager routes with a topic access code.
type AuthorizeFunc func(ctx context.Context, topicID, accessCode, task string) bool

type Handler struct {
	svc       *Service
	authorize AuthorizeFunc
	cfg       *config.AppConfig
	log       *zap.Logger
}

func NewHandler(svc *Service, authorize AuthorizeFunc, cfg *config.AppConfig, log *zap.Logger) *Handler {
	return &Handler{svc: svc, authorize: authorize, cfg: cfg, log: log}
}

// RegisterRoutes mounts the subscriber API and the link endpoints. The link
// endpoints live off the API prefix because they are clicked from emails.
// limit throttles the two subscribe endpoints, the only unauthenticated
// write paths.
func (h *Handler) RegisterRoutes(api *gin.RouterGroup, root gin.IRouter, limit gin.HandlerFunc) {
	api.POST("/subs/email/add", limit, h.addEmailJSON)

	mgr := api.Group("/t-manager/:accessCode/:topicId")
	mgr.GET("/list", h.listSubscribers)
	mgr.POST("/bulk/action", h.bulkAction)

	root.POST("/subs/post", limit, h.addEmailForm)
	root.GET("/subs/confirm/:subscode", h.confirm)
	root.GET("/subs/confirm/:subscode/:email", h.confirm)
	root.GET("/subs/remove/:subscode", h.remove)
	root.GET("/subs/remove/:subscode/:email", h.remove)
}

type addEmailRequest struct {
	Email   string `json:"eml" form:"eml"`
	TopicID string `json:"tid" form:"tid"`
}

// addEmailJSON is the JSON subscribe endpoint. Its response shapes are frozen:
// widget embeds in the wild parse these exact bodies.
func (h *Handler) addEmailJSON(c *gin.Context) {
	var req addEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"statusCode": 400, "bad": 1, "msg": "invalid request body"})
		return
	}

	err := h.svc.Subscribe(c.Request.Context(), req.Email, req.TopicID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"statusCode": 200, "ok": 1})
	case errors.Is(err, ErrInvalidEmail):
		c.JSON(http.StatusBadRequest, gin.H{"statusCode": 400, "bad": 1, "msg": "invalid email address"})
	case errors.Is(err, ErrTopicNotFound):
		c.JSON(http.StatusNotFound, gin.H{"statusCode": 404, "bad": 1, "msg": "unknown topic"})
	default:
		h.log.Error("subscribe failed", zap.String("topicId", req.TopicID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"statusCode": 500, "err": 1})
	}
}

// addEmailForm is the no-JS variant: a plain form post that always answers
// with a redirect to one of the topic's pages.
func (h *Handler) addEmailForm(c *gin.Context) {
	var req addEmailRequest
	if err := c.ShouldBind(&req); err != nil {
		c.Redirect(http.StatusSeeOther, h.errorPage())
		return
	}

	t, ok := h.svc.topics.Get(c.Request.Context(), req.TopicID)
	if !ok {
		c.Redirect(http.StatusSeeOther, h.errorPage())
		return
	}

	err := h.svc.Subscribe(c.Request.Context(), req.Email, req.TopicID)
	switch {
	case err == nil:
		c.Redirect(http.StatusSeeOther, t.ThankURL)
	case errors.Is(err, ErrInvalidEmail):
		c.Redirect(http.StatusSeeOther, t.InputErrURL)
	default:
		h.log.Error("form subscribe failed", zap.String("topicId", req.TopicID), zap.Error(err))
		c.Redirect(http.StatusSeeOther, t.FailURL)
	}
}

func (h *Handler) confirm(c *gin.Context) {
	link, err := h.svc.Confirm(c.Request.Context(), c.Param("subscode"), h.emailParam(c))
	h.redirectOutcome(c, link, err)
}

func (h *Handler) remove(c *gin.Context) {
	link, err := h.svc.Unsubscribe(c.Request.Context(), c.Param("subscode"), h.emailParam(c))
	h.redirectOutcome(c, link, err)
}

// emailParam extracts the optional trailing email segment. Bulk-mailing links
// carry the static link suffix in that position instead, which must not be
// treated as an email filter.
func (h *Handler) emailParam(c *gin.Context) string {
	seg := strings.TrimPrefix(c.Param("email"), "/")
	if seg == h.cfg.Subscription.LinkSuffix || !strings.Contains(seg, "@") {
		return ""
	}
	return seg
}

func (h *Handler) redirectOutcome(c *gin.Context, link string, err error) {
	switch {
	case err == nil:
		c.Redirect(http.StatusSeeOther, link)
	case errors.Is(err, ErrCodeNotFound):
		c.Redirect(http.StatusSeeOther, h.errorPage())
	default:
		h.log.Error("link endpoint failed", zap.Error(err))
		c.Redirect(http.StatusSeeOther, h.errorPage())
	}
}

func (h *Handler) errorPage() string {
	return h.cfg.Subscription.BaseURL + "/error"
}

type subscriberRow struct {
	Email      string `json:"email"`
	Registered string `json:"registered"`
}

func (h *Handler) listSubscribers(c *gin.Context) {
	topicID := c.Param("topicId")
	if !h.authorize(c.Request.Context(), topicID, c.Param("accessCode"), "list") {
		response.Unauthorized(c)
		return
	}

	subs, err := h.svc.ListSubscribers(c.Request.Context(), topicID)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	rows := make([]subscriberRow, 0, len(subs))
	for _, sub := range subs {
		rows = append(rows, subscriberRow{
			Email:      sub.Email,
			Registered: sub.ConfirmAt.Format("2006-01-02 15:04:05"),
		})
	}
	response.OK(c, gin.H{"topicId": topicID, "count": len(rows), "subscribers": rows})
}

type bulkActionRequest struct {
	Action string   `json:"action" binding:"required"` // "add" | "remove"
	Emails []string `json:"emails" binding:"required"`
}

func (h *Handler) bulkAction(c *gin.Context) {
	topicID := c.Param("topicId")
	if !h.authorize(c.Request.Context(), topicID, c.Param("accessCode"), "bulk") {
		response.Unauthorized(c)
		return
	}

	var req bulkActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	var n int
	var err error
	switch req.Action {
	case "add":
		n, err = h.svc.AddBulk(c.Request.Context(), topicID, req.Emails)
	case "remove":
		n, err = h.svc.RemoveBulk(c.Request.Context(), topicID, req.Emails)
	default:
		response.BadRequest(c, "action must be add or remove")
		return
	}
	if err != nil {
		h.log.Error("bulk action failed",
			zap.String("topicId", topicID), zap.String("action", req.Action), zap.Error(err))
		response.InternalError(c, err)
		return
	}
	response.OK(c, gin.H{"ok": 1, "action": req.Action, "affected": n})
}
