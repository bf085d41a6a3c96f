package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"docuchat/internal/app"
	"docuchat/internal/transport/http/response"
)

type UsageHandler struct {
	usageService *app.UsageService
}

func NewUsageHandler(usageService *app.UsageService) *UsageHandler {
	return &UsageHandler{usageService: usageService}
}

// Get reports quota consumption for the authenticated user. An optional
// ?date=YYYY-MM-DD selects a past day; default is today.
func (h *UsageHandler) Get(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	report, err := h.usageService.GetUsage(c.Request.Context(), userID, c.Query("date"))
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidInput):
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid date, expected YYYY-MM-DD")
		default:
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "get usage failed")
		}
		return
	}

	response.OK(c, report)
}
