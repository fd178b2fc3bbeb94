package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/melodia-app/melodia-backend/internal/requestdata"
)

const RequestIDHeader = "X-Request-Id"

// RequestID adopts the inbound correlation id or mints one, stores it in the
// request context, and echoes it back in the response header.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := strings.TrimSpace(c.GetHeader(RequestIDHeader))
		if rid == "" {
			rid = uuid.New().String()
		}

		rd := requestdata.GetRequestData(c.Request.Context())
		if rd == nil {
			rd = &requestdata.RequestData{}
			c.Request = c.Request.WithContext(requestdata.WithRequestData(c.Request.Context(), rd))
		}
		rd.RequestID = rid

		c.Writer.Header().Set(RequestIDHeader, rid)
		c.Next()
	}
}
