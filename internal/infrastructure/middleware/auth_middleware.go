package middleware

import (
	"net/http"
	"strings"

	"peercall/internal/core/domain"
	"peercall/internal/core/services"
	apperrors "peercall/pkg/errors"
	"peercall/pkg/validation"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware resolves the participant behind a relay request and stores
// it in the request context. The token comes from the Authorization header
// or, for browsers that cannot set headers on a WebSocket, the token query
// parameter. With a nil token service the participant_id query parameter is
// trusted as is.
func AuthMiddleware(tokens services.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var participant domain.ParticipantID

		if tokens == nil {
			id := c.Query("participant_id")
			if err := validation.ValidateParticipantID(id); err != nil {
				_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, "participant_id required", http.StatusUnauthorized))
				c.Abort()
				return
			}
			participant = domain.ParticipantID(id)
		} else {
			token, ok := bearerToken(c)
			if !ok {
				_ = c.Error(apperrors.NewUnauthorizedError("token required"))
				c.Abort()
				return
			}
			claims, err := tokens.ValidateToken(token)
			if err != nil {
				_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, err.Error(), http.StatusUnauthorized))
				c.Abort()
				return
			}
			participant = claims.Participant()
			c.Set("display_name", claims.DisplayName)
		}

		c.Set("participant", participant)
		c.Request = c.Request.WithContext(services.WithParticipant(c.Request.Context(), participant))
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || scheme != "Bearer" || token == "" {
			return "", false
		}
		return token, true
	}
	if token := c.Query("token"); token != "" {
		return token, true
	}
	return "", false
}
