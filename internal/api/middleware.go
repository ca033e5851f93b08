package api

import (
	"net/http"

	"farm-market/internal/models"
	"farm-market/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	headerUserID   = "X-User-ID"
	headerUserRole = "X-User-Role"
	principalKey   = "principal"
)

// requirePrincipal reads the identity set by the upstream gateway. Role
// checks happen in the services.
func requirePrincipal() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := uuid.Parse(c.GetHeader(headerUserID))
		if err != nil {
			abortUnauthorized(c, "Missing or invalid "+headerUserID+" header")
			return
		}

		role := models.Role(c.GetHeader(headerUserRole))
		if !role.Valid() {
			abortUnauthorized(c, "Missing or invalid "+headerUserRole+" header")
			return
		}

		c.Set(principalKey, models.Principal{UserID: userID, Role: role})
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody(service.FieldError{Field: "authorization", Message: message}))
}

func principal(c *gin.Context) models.Principal {
	p, _ := c.Get(principalKey)
	pr, _ := p.(models.Principal)
	return pr
}

// requireRole rejects principals outside roles with 403
func requireRole(roles ...models.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := principal(c)
		for _, r := range roles {
			if p.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, errorBody(service.FieldError{Field: "authorization", Message: "Not allowed for this role"}))
	}
}
