package topic

import (
	"github.com/gin-gonic/gin"
	"github.com/x-notify/core/internal/models"
	"github.com/x-notify/core/internal/pkg/response"
	"go.uber.org/zap"
)

// TopicDTO is the manager-facing topic payload.
type TopicDTO struct {
	TemplateID        string   `json:"notifyTemplateId" binding:"required"`
	MailingTemplateID string   `json:"notifyMailingTemplateId"`
	NotifyKey         string   `json:"notifyKey" binding:"required"`
	ConfirmURL        string   `json:"confSubLink"`
	UnsubURL          string   `json:"confUnsubLink"`
	ThankURL          string   `json:"thankYouUrl"`
	FailURL           string   `json:"failureUrl"`
	InputErrURL       string   `json:"inputErrorUrl"`
	AccessCodes       []string `json:"accessCodes"`
	Approvers         []string `json:"approvers"`
}

type Handler struct {
	svc *Service
	log *zap.Logger
}

func NewHandler(svc *Service, log *zap.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// RegisterRoutes mounts the topic manager API.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	g := rg.Group("/t-manager/:accessCode/:topicId")
	g.POST("/create", h.create)
	g.GET("", h.get)
	g.PUT("", h.update)
	g.GET("/stats", h.stats)
}

func (h *Handler) create(c *gin.Context) {
	var dto TopicDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	// The code used to create a topic must be one of its own access codes,
	// otherwise the creator locks themselves out immediately.
	if !containsCode(dto.AccessCodes, c.Param("accessCode")) {
		response.Unauthorized(c)
		return
	}

	t := models.TopicModel{
		ID:                c.Param("topicId"),
		TemplateID:        dto.TemplateID,
		MailingTemplateID: dto.MailingTemplateID,
		NotifyKey:         dto.NotifyKey,
		ConfirmURL:        dto.ConfirmURL,
		UnsubURL:          dto.UnsubURL,
		ThankURL:          dto.ThankURL,
		FailURL:           dto.FailURL,
		InputErrURL:       dto.InputErrURL,
		AccessCodes:       dto.AccessCodes,
		Approvers:         dto.Approvers,
	}
	if err := h.svc.Create(c.Request.Context(), &t); err != nil {
		response.InternalError(c, err)
		return
	}
	response.Created(c, t)
}

func (h *Handler) get(c *gin.Context) {
	topicID := c.Param("topicId")
	if !h.svc.Authorize(c.Request.Context(), topicID, c.Param("accessCode"), "view") {
		response.Unauthorized(c)
		return
	}

	t, err := h.svc.Find(c.Request.Context(), topicID)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	if t == nil {
		response.NotFound(c)
		return
	}
	response.OK(c, t)
}

func (h *Handler) update(c *gin.Context) {
	topicID := c.Param("topicId")
	if !h.svc.Authorize(c.Request.Context(), topicID, c.Param("accessCode"), "update") {
		response.Unauthorized(c)
		return
	}

	var dto TopicDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	t := models.TopicModel{
		ID:                topicID,
		TemplateID:        dto.TemplateID,
		MailingTemplateID: dto.MailingTemplateID,
		NotifyKey:         dto.NotifyKey,
		ConfirmURL:        dto.ConfirmURL,
		UnsubURL:          dto.UnsubURL,
		ThankURL:          dto.ThankURL,
		FailURL:           dto.FailURL,
		InputErrURL:       dto.InputErrURL,
	}
	if err := h.svc.Update(c.Request.Context(), &t); err != nil {
		response.NotFoundMsg(c, "topic not found")
		return
	}
	response.OK(c, gin.H{"ok": 1})
}

func (h *Handler) stats(c *gin.Context) {
	topicID := c.Param("topicId")
	if !h.svc.Authorize(c.Request.Context(), topicID, c.Param("accessCode"), "stats") {
		response.Unauthorized(c)
		return
	}

	st, err := h.svc.CountSubscriptions(c.Request.Context(), topicID)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, st)
}
