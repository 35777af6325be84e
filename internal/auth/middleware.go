package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlement/internal/logging"
)

const (
	HeaderActorID     = "X-Actor-ID"
	HeaderActorRole   = "X-Actor-Role"
	HeaderAdminSecret = "X-Admin-Secret"

	contextKeyActor = "authActor"
)

// Middleware reads the upstream identity headers and stores the actor in
// both the gin context and the request context. Requests without identity
// headers pass through unauthenticated. An admin role is only accepted
// together with an X-Admin-Secret matching adminSecret; an empty adminSecret
// disables that check (development only).
func Middleware(adminSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderActorID)
		if id == "" {
			c.Next()
			return
		}
		role, err := ParseRole(c.GetHeader(HeaderActorRole))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-Actor-Role must be customer, seller or admin.",
			})
			return
		}
		if role == RoleAdmin && !secretMatches(c, adminSecret) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin access required.",
			})
			return
		}
		a := Actor{ID: id, Role: role}
		c.Set(contextKeyActor, a)
		ctx := WithActor(c.Request.Context(), a)
		c.Request = c.Request.WithContext(logging.WithActor(ctx, id))
		c.Next()
	}
}

// RequireActor rejects requests without an identity.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetActor(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Actor identity required. Include X-Actor-ID and X-Actor-Role headers.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects actors whose role is not one of roles.
func RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		a, ok := GetActor(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Actor identity required."})
			return
		}
		for _, r := range roles {
			if a.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "This action is not available for your role."})
	}
}

// RequireAdmin requires an admin actor and a matching X-Admin-Secret.
// An empty secret disables the secret check (development only).
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		a, ok := GetActor(c)
		if !ok || !a.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Admin access required."})
			return
		}
		if !secretMatches(c, secret) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Admin access required."})
			return
		}
		c.Next()
	}
}

// GetActor returns the actor set by Middleware.
func GetActor(c *gin.Context) (Actor, bool) {
	v, ok := c.Get(contextKeyActor)
	if !ok {
		return Actor{}, false
	}
	a, ok := v.(Actor)
	return a, ok
}

// RequireServiceSecret guards service-to-service routes that carry no actor,
// such as order creation by the checkout collaborator. It compares
// X-Admin-Secret with secret; an empty secret disables the check.
func RequireServiceSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !secretMatches(c, secret) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Service credentials required."})
			return
		}
		c.Next()
	}
}

func secretMatches(c *gin.Context, secret string) bool {
	if secret == "" {
		return true
	}
	got := c.GetHeader(HeaderAdminSecret)
	return subtle.ConstantTimeCompare([]byte(got), []byte(secret)) == 1
}
