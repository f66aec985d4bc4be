package readstate

import (
	"net/http"

	"github.com/chirino/conversation-service/internal/model"
	"github.com/chirino/conversation-service/internal/plugin/route/routeutil"
	"github.com/chirino/conversation-service/internal/security"
	"github.com/chirino/conversation-service/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Services bundles the read-state services the routes call.
type Services struct {
	Reads    *service.ReadCursorService
	Unread   *service.UnreadService
	Messages *service.MessageService
}

type appendMessageRequest struct {
	Body string `json:"body" binding:"max=65536"`
}

// MountRoutes mounts read cursor, unread count and message signal routes.
func MountRoutes(r *gin.Engine, svc Services, auth gin.HandlerFunc) {
	routeutil.RegisterValidators()
	g := r.Group("/v1", auth)

	g.POST("/conversations/:conversationId/read", func(c *gin.Context) {
		markAsRead(c, svc.Reads)
	})
	g.GET("/unread-count", func(c *gin.Context) {
		unreadCount(c, svc.Unread)
	})
	g.GET("/unread-count/conversations", func(c *gin.Context) {
		unreadBreakdown(c, svc.Unread)
	})
	g.POST("/conversations/:conversationId/messages", func(c *gin.Context) {
		appendMessage(c, svc.Messages)
	})
	g.DELETE("/conversations/:conversationId/messages/:messageId", func(c *gin.Context) {
		deleteMessage(c, svc.Messages)
	})
}

func markAsRead(c *gin.Context, reads *service.ReadCursorService) {
	userID := security.GetUserID(c)
	convID, ok := routeutil.ConversationID(c)
	if !ok {
		return
	}

	p, err := reads.MarkAsRead(c.Request.Context(), convID, userID)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversationId": convID, "lastReadAt": p.LastReadAt})
}

func unreadCount(c *gin.Context, unread *service.UnreadService) {
	userID := security.GetUserID(c)
	c.JSON(http.StatusOK, gin.H{"count": unread.GetUnreadCount(c.Request.Context(), userID)})
}

func unreadBreakdown(c *gin.Context, unread *service.UnreadService) {
	userID := security.GetUserID(c)
	counts := unread.GetUnreadBreakdown(c.Request.Context(), userID)
	if counts == nil {
		counts = []model.UnreadCount{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": counts})
}

func appendMessage(c *gin.Context, messages *service.MessageService) {
	userID := security.GetUserID(c)
	convID, ok := routeutil.ConversationID(c)
	if !ok {
		return
	}
	var req appendMessageRequest
	if c.Request.ContentLength != 0 && !routeutil.BindJSON(c, &req) {
		return
	}

	msg, err := messages.AppendMessage(c.Request.Context(), convID, userID, req.Body)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func deleteMessage(c *gin.Context, messages *service.MessageService) {
	userID := security.GetUserID(c)
	convID, ok := routeutil.ConversationID(c)
	if !ok {
		return
	}
	msgID, err := uuid.Parse(c.Param("messageId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "message not found"})
		return
	}

	if err := messages.DeleteMessage(c.Request.Context(), convID, msgID, userID); err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
