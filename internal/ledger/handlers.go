package ledger

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/lem-clearing/pkg/response"
)

// GinHandlers exposes the audit log
type GinHandlers struct {
	ledger *Ledger
}

func NewGinHandlers(l *Ledger) *GinHandlers {
	return &GinHandlers{ledger: l}
}

// EventsHandler lists events after the sequence given in ?after=, at most
// ?limit= of them.
func (h *GinHandlers) EventsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		after, err := strconv.ParseUint(c.DefaultQuery("after", "0"), 10, 64)
		if err != nil {
			response.BadRequest(c, "Invalid after sequence")
			return
		}
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
		if err != nil {
			response.BadRequest(c, "Invalid limit")
			return
		}

		events, err := h.ledger.Events(c.Request.Context(), after, limit)
		response.Handle(c, events, err)
	}
}
