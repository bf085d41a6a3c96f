package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"docuchat/internal/app"
	"docuchat/internal/transport/http/response"
)

type DocumentHandler struct {
	documentService *app.DocumentService
}

func NewDocumentHandler(documentService *app.DocumentService) *DocumentHandler {
	return &DocumentHandler{documentService: documentService}
}

// Upload accepts a multipart form with a "file" part and an optional
// "session_id" field. The document comes back in pending state; processing
// happens asynchronously.
func (h *DocumentHandler) Upload(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "missing file")
		return
	}

	var sessionID uint
	if raw := c.PostForm("session_id"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid session_id")
			return
		}
		sessionID = uint(parsed)
	}

	src, err := fileHeader.Open()
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "unreadable file")
		return
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "unreadable file")
		return
	}

	doc, err := h.documentService.Upload(c.Request.Context(), app.UploadInput{
		UserID:    userID,
		SessionID: sessionID,
		Filename:  fileHeader.Filename,
		Data:      data,
	})
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidInput):
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
		case errors.Is(err, app.ErrUnsupportedFormat):
			response.Error(c, http.StatusBadRequest, response.CodeUnsupportedFormat, err.Error())
		case errors.Is(err, app.ErrFileTooLarge):
			response.Error(c, http.StatusRequestEntityTooLarge, response.CodeFileTooLarge, err.Error())
		default:
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "upload failed")
		}
		return
	}

	response.OK(c, doc)
}

func (h *DocumentHandler) List(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	var sessionID uint
	if raw := c.Query("session_id"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid session_id")
			return
		}
		sessionID = uint(parsed)
	}

	docs, err := h.documentService.List(userID, sessionID)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "list documents failed")
		return
	}
	response.OK(c, docs)
}

func (h *DocumentHandler) Status(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	docID, ok := parseDocumentID(c)
	if !ok {
		return
	}

	doc, err := h.documentService.Get(userID, docID)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrDocumentNotFound):
			response.Error(c, http.StatusNotFound, response.CodeDocumentNotFound, err.Error())
		default:
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "get document failed")
		}
		return
	}

	response.OK(c, gin.H{
		"id":           doc.ID,
		"filename":     doc.Filename,
		"status":       doc.Status,
		"error_detail": doc.ErrorDetail,
		"tokens_used":  doc.TokensUsed,
		"chunk_count":  doc.ChunkCount,
		"updated_at":   doc.UpdatedAt,
	})
}

func (h *DocumentHandler) Reprocess(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	docID, ok := parseDocumentID(c)
	if !ok {
		return
	}

	doc, err := h.documentService.Reprocess(c.Request.Context(), userID, docID)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrDocumentNotFound):
			response.Error(c, http.StatusNotFound, response.CodeDocumentNotFound, err.Error())
		case errors.Is(err, app.ErrNotReprocessable):
			response.Error(c, http.StatusConflict, response.CodeNotReprocessable, err.Error())
		default:
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "reprocess failed")
		}
		return
	}

	response.OK(c, doc)
}

func (h *DocumentHandler) Delete(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	docID, ok := parseDocumentID(c)
	if !ok {
		return
	}

	if err := h.documentService.Delete(c.Request.Context(), userID, docID); err != nil {
		switch {
		case errors.Is(err, app.ErrDocumentNotFound):
			response.Error(c, http.StatusNotFound, response.CodeDocumentNotFound, err.Error())
		case errors.Is(err, app.ErrDocumentProcessing):
			response.Error(c, http.StatusConflict, response.CodeNotReprocessable, err.Error())
		default:
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "delete document failed")
		}
		return
	}

	response.OK(c, gin.H{"deleted_document_id": docID})
}

func parseDocumentID(c *gin.Context) (uint, bool) {
	id64, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id64 == 0 {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid document id")
		return 0, false
	}
	return uint(id64), true
}
