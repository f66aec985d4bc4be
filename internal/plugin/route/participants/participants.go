package participants

import (
	"net/http"

	"github.com/chirino/conversation-service/internal/model"
	"github.com/chirino/conversation-service/internal/plugin/route/routeutil"
	"github.com/chirino/conversation-service/internal/registry/store"
	"github.com/chirino/conversation-service/internal/security"
	"github.com/chirino/conversation-service/internal/service"
	"github.com/gin-gonic/gin"
)

type addParticipantRequest struct {
	UserID string `json:"userId" binding:"required,userid"`
}

type setRoleRequest struct {
	Role string `json:"role" binding:"required,role"`
}

// MountRoutes mounts participant routes.
func MountRoutes(r *gin.Engine, membership *service.MembershipService, auth gin.HandlerFunc) {
	routeutil.RegisterValidators()
	g := r.Group("/v1/conversations/:conversationId/participants", auth)

	g.GET("", func(c *gin.Context) {
		listParticipants(c, membership)
	})
	g.POST("", func(c *gin.Context) {
		addParticipant(c, membership)
	})
	g.PATCH("/:userId", func(c *gin.Context) {
		setRole(c, membership)
	})
	g.DELETE("/:userId", func(c *gin.Context) {
		removeParticipant(c, membership)
	})
}

func listParticipants(c *gin.Context, membership *service.MembershipService) {
	userID := security.GetUserID(c)
	convID, ok := routeutil.ConversationID(c)
	if !ok {
		return
	}

	participants, err := membership.ListParticipants(c.Request.Context(), convID, userID)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	if participants == nil {
		participants = []model.Participant{}
	}
	c.JSON(http.StatusOK, gin.H{"data": participants})
}

func addParticipant(c *gin.Context, membership *service.MembershipService) {
	userID := security.GetUserID(c)
	convID, ok := routeutil.ConversationID(c)
	if !ok {
		return
	}
	var req addParticipantRequest
	if !routeutil.BindJSON(c, &req) {
		return
	}

	p, err := membership.AddParticipant(c.Request.Context(), convID, userID, req.UserID)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func targetUser(c *gin.Context) (string, bool) {
	target := c.Param("userId")
	if !routeutil.ValidUserID(target) {
		routeutil.HandleError(c, &store.ValidationError{Field: "userId", Message: "invalid user id"})
		return "", false
	}
	return target, true
}

func setRole(c *gin.Context, membership *service.MembershipService) {
	userID := security.GetUserID(c)
	convID, ok := routeutil.ConversationID(c)
	if !ok {
		return
	}
	target, ok := targetUser(c)
	if !ok {
		return
	}
	var req setRoleRequest
	if !routeutil.BindJSON(c, &req) {
		return
	}

	p, err := membership.SetRole(c.Request.Context(), convID, userID, target, model.Role(req.Role))
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func removeParticipant(c *gin.Context, membership *service.MembershipService) {
	userID := security.GetUserID(c)
	convID, ok := routeutil.ConversationID(c)
	if !ok {
		return
	}
	target, ok := targetUser(c)
	if !ok {
		return
	}

	p, err := membership.RemoveParticipant(c.Request.Context(), convID, userID, target)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}
