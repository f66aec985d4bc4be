// Package routeutil holds the request binding and error mapping shared by
// the /v1 route plugins.
package routeutil

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"unicode"

	"github.com/charmbracelet/log"
	"github.com/chirino/conversation-service/internal/model"
	registrystore "github.com/chirino/conversation-service/internal/registry/store"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// MaxUserIDLength bounds user ids accepted from requests.
const MaxUserIDLength = 255

var registerOnce sync.Once

// RegisterValidators adds the userid, role and convkind tags to gin's validator.
func RegisterValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("userid", func(fl validator.FieldLevel) bool {
			return ValidUserID(fl.Field().String())
		})
		_ = v.RegisterValidation("role", func(fl validator.FieldLevel) bool {
			return model.Role(fl.Field().String()).Valid()
		})
		_ = v.RegisterValidation("convkind", func(fl validator.FieldLevel) bool {
			return model.ConversationKind(fl.Field().String()).Valid()
		})
	})
}

// ValidUserID reports whether s can be used as a user id: non-empty, bounded,
// and free of whitespace, control characters and slashes.
func ValidUserID(s string) bool {
	if s == "" || len(s) > MaxUserIDLength {
		return false
	}
	return !strings.ContainsFunc(s, func(r rune) bool {
		return r == '/' || unicode.IsSpace(r) || unicode.IsControl(r)
	})
}

// ConversationID parses the :conversationId path parameter. On failure it
// writes a 404 and returns false.
func ConversationID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": registrystore.KindNotFound, "error": "conversation not found"})
		return uuid.Nil, false
	}
	return id, true
}

// BindJSON binds and validates the request body into req. On failure it
// writes a 400 and returns false.
func BindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": registrystore.KindBadRequest, "error": bindMessage(err)})
		return false
	}
	return true
}

func bindMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		default:
			msgs = append(msgs, fe.Field()+" is invalid")
		}
	}
	return strings.Join(msgs, "; ")
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind string) int {
	switch kind {
	case registrystore.KindPermissionDenied:
		return http.StatusForbidden
	case registrystore.KindInvalidOperation, registrystore.KindBadRequest:
		return http.StatusBadRequest
	case registrystore.KindAlreadyMember, registrystore.KindLastAdminViolation:
		return http.StatusConflict
	case registrystore.KindNotMember, registrystore.KindNotFound:
		return http.StatusNotFound
	case registrystore.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HandleError writes err as {"code", "error"} with the matching status.
func HandleError(c *gin.Context, err error) {
	kind := registrystore.KindOf(err)
	status := StatusFor(kind)
	switch status {
	case http.StatusInternalServerError:
		log.Error("Request failed", "method", c.Request.Method, "path", c.FullPath(), "err", err)
		_ = c.Error(err)
		c.JSON(status, gin.H{"code": kind, "error": "internal server error"})
		return
	case http.StatusServiceUnavailable:
		_ = c.Error(err)
		c.Header("Retry-After", "1")
	}
	c.JSON(status, gin.H{"code": kind, "error": err.Error()})
}
