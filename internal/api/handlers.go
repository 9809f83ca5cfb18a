package api

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/yourorg/social-messaging/internal/messaging"
	"github.com/yourorg/social-messaging/internal/models"
)

type sendMessageReq struct {
	ReceiverID  int64               `json:"receiverId" validate:"required"`
	Content     string              `json:"content" validate:"required_without=Attachments,max=5000"`
	Attachments []models.Attachment `json:"attachments,omitempty" validate:"max=5"`
}

type createConversationReq struct {
	ParticipantID int64 `json:"participantId" validate:"required"`
}

type markReadReq struct {
	MessageIDs     []string `json:"messageIds" validate:"required,min=1,dive,required"`
	ConversationID string   `json:"conversationId" validate:"required"`
}

func (s *Server) getConversations(c *fiber.Ctx) error {
	page := c.QueryInt("page", 1)
	limit := c.QueryInt("limit", s.limits.ConversationPageSize)
	out, err := s.svc.GetConversations(c.Context(), callerID(c), page, limit)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(out)
}

func (s *Server) createConversation(c *fiber.Ctx) error {
	var req createConversationReq
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid payload")
	}
	if err := s.validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	conv, err := s.svc.GetOrCreateConversation(c.Context(), callerID(c), req.ParticipantID)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(conv)
}

func (s *Server) getChatHistory(c *fiber.Ctx) error {
	page := c.QueryInt("page", 1)
	limit := c.QueryInt("limit", s.limits.HistoryPageSize)
	out, err := s.svc.GetChatHistory(c.Context(), c.Params("conversationId"), callerID(c), page, limit)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(out)
}

// sendMessage mirrors the socket path for clients without a live
// connection. Fan-out to the receiver still happens through the gateway.
func (s *Server) sendMessage(c *fiber.Ctx) error {
	var req sendMessageReq
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid payload")
	}
	if err := s.validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	msg, err := s.svc.SendMessage(c.Context(), callerID(c), req.ReceiverID, req.Content, req.Attachments)
	if err != nil {
		return httpError(c, err)
	}
	s.gw.DeliverSent(msg)
	return c.Status(fiber.StatusCreated).JSON(msg)
}

func (s *Server) markRead(c *fiber.Ctx) error {
	var req markReadReq
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid payload")
	}
	if err := s.validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if _, err := s.svc.MarkRead(c.Context(), req.MessageIDs, req.ConversationID, callerID(c)); err != nil {
		return httpError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

func (s *Server) searchMessages(c *fiber.Ctx) error {
	query := c.Query("q")
	if query == "" {
		return fiber.NewError(fiber.StatusBadRequest, "missing query")
	}
	out, err := s.svc.SearchMessages(c.Context(), c.Params("conversationId"), callerID(c), query)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(fiber.Map{"messages": out})
}

func (s *Server) canMessage(c *fiber.Ctx) error {
	otherID, err := strconv.ParseInt(c.Params("userId"), 10, 64)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid user id")
	}
	ok, err := s.svc.CanMessage(c.Context(), callerID(c), otherID)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(fiber.Map{"canMessage": ok})
}

func (s *Server) getContacts(c *fiber.Ctx) error {
	out, err := s.svc.GetUserContacts(c.Context(), callerID(c))
	if err != nil {
		return httpError(c, err)
	}
	if out == nil {
		out = []int64{}
	}
	return c.JSON(fiber.Map{"contacts": out})
}

func (s *Server) getUnreadCount(c *fiber.Ctx) error {
	n, err := s.svc.GetUnreadCount(c.Context(), callerID(c))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(fiber.Map{"count": n})
}

func httpError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, messaging.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, messaging.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, messaging.ErrRateLimited):
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, messaging.ErrInvalid):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
}
