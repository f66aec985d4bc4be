package conversations

import (
	"net/http"

	"github.com/chirino/conversation-service/internal/model"
	"github.com/chirino/conversation-service/internal/plugin/route/routeutil"
	"github.com/chirino/conversation-service/internal/security"
	"github.com/chirino/conversation-service/internal/service"
	"github.com/gin-gonic/gin"
)

type createConversationRequest struct {
	Kind         string   `json:"kind"         binding:"required,convkind"`
	Title        string   `json:"title"        binding:"max=200"`
	Participants []string `json:"participants" binding:"max=500,dive,userid"`
}

type conversationResponse struct {
	model.Conversation
	Participants []model.Participant `json:"participants,omitempty"`
}

// MountRoutes mounts conversation routes.
func MountRoutes(r *gin.Engine, membership *service.MembershipService, auth gin.HandlerFunc) {
	routeutil.RegisterValidators()
	g := r.Group("/v1", auth)

	g.POST("/conversations", func(c *gin.Context) {
		createConversation(c, membership)
	})
	g.GET("/conversations/:conversationId", func(c *gin.Context) {
		getConversation(c, membership)
	})
}

func createConversation(c *gin.Context, membership *service.MembershipService) {
	userID := security.GetUserID(c)
	var req createConversationRequest
	if !routeutil.BindJSON(c, &req) {
		return
	}

	conv, participants, err := membership.CreateConversation(c.Request.Context(), userID, model.ConversationKind(req.Kind), req.Title, req.Participants)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conversationResponse{Conversation: *conv, Participants: participants})
}

func getConversation(c *gin.Context, membership *service.MembershipService) {
	userID := security.GetUserID(c)
	convID, ok := routeutil.ConversationID(c)
	if !ok {
		return
	}

	conv, err := membership.GetConversation(c.Request.Context(), convID, userID)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}
