package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/logqr/internal/logs"
	"github.com/MarcoPoloResearchLab/logqr/internal/media"
	"github.com/MarcoPoloResearchLab/logqr/internal/reviews"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type verifyRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (h *httpHandler) handleVerify(c *gin.Context) {
	identity := identityFrom(c)
	if c.Request.ContentLength != 0 {
		var request verifyRequest
		if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
			h.writeBadRequest(c, "auth.verify.invalid_body", "request body must be a JSON object")
			return
		}
		if identity.Email == "" {
			identity.Email = strings.ToLower(strings.TrimSpace(request.Email))
		}
		if identity.Name == "" {
			identity.Name = strings.TrimSpace(request.Name)
		}
	}

	user, err := h.users.Upsert(c.Request.Context(), identity)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": user.UserID})
}

func (h *httpHandler) handleCreateLog(c *gin.Context) {
	var input logs.CreateInput
	if err := c.ShouldBindJSON(&input); err != nil {
		h.writeBadRequest(c, "logs.create.invalid_body", "request body must be a JSON object with title and fields")
		return
	}

	result, err := h.logs.Create(c.Request.Context(), identityFrom(c), input)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *httpHandler) handleListLogs(c *gin.Context) {
	request, ok := h.pageRequest(c, "logs.list")
	if !ok {
		return
	}
	page, err := h.logs.List(c.Request.Context(), identityFrom(c).Subject, request)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *httpHandler) handleGetConfig(c *gin.Context) {
	config, err := h.logs.GetActiveConfig(c.Request.Context(), c.Param("logId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, config)
}

func (h *httpHandler) handleSetLogStatus(c *gin.Context) {
	var request statusRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.writeBadRequest(c, "logs.status.invalid_body", "request body must contain a status")
		return
	}
	log, err := h.logs.SetStatus(c.Request.Context(), c.Param("logId"), identityFrom(c).Subject, request.Status)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, log)
}

func (h *httpHandler) handleDeleteLog(c *gin.Context) {
	if err := h.logs.Delete(c.Request.Context(), c.Param("logId"), identityFrom(c).Subject); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "log deleted"})
}

func (h *httpHandler) handleSubmitReview(c *gin.Context) {
	input := reviews.SubmitInput{
		LogID:    c.Param("logId"),
		ClientIP: c.ClientIP(),
	}

	if c.ContentType() == gin.MIMEMultipartPOSTForm {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+multipartOverhead)
		form, err := c.MultipartForm()
		if err != nil {
			if isTooLarge(err) {
				writePayloadTooLarge(c)
				return
			}
			h.writeBadRequest(c, "reviews.submit.invalid_form", "request body must be a multipart form")
			return
		}
		input.Values = form.Value
		files, closeFiles, err := openUploads(form)
		defer closeFiles()
		if err != nil {
			h.logger.Warn("failed to open uploaded file", zap.String("log_id", input.LogID), zap.Error(err))
			h.writeBadRequest(c, "reviews.submit.invalid_form", "uploaded file could not be read")
			return
		}
		input.Files = files
	} else {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxReviewJSONBytes)
		values, err := decodeReviewBody(c.Request.Body)
		if err != nil {
			if isTooLarge(err) {
				writePayloadTooLarge(c)
				return
			}
			h.writeBadRequest(c, "reviews.submit.invalid_body", "request body must be a JSON object")
			return
		}
		input.Values = values
	}

	result, err := h.reviews.Submit(c.Request.Context(), input)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *httpHandler) handleListReviews(c *gin.Context) {
	request, ok := h.pageRequest(c, "reviews.list")
	if !ok {
		return
	}
	page, err := h.reviews.List(c.Request.Context(), c.Param("logId"), identityFrom(c).Subject, request)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *httpHandler) handleGetReview(c *gin.Context) {
	review, err := h.reviews.Get(c.Request.Context(), c.Param("logId"), c.Param("reviewId"), identityFrom(c).Subject)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, review)
}

func isTooLarge(err error) bool {
	var tooLarge *http.MaxBytesError
	return errors.As(err, &tooLarge)
}

func writePayloadTooLarge(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body exceeds the size limit", "code": "reviews.submit.payload_too_large"})
}

func (h *httpHandler) pageRequest(c *gin.Context, operation string) (logs.PageRequest, bool) {
	request := logs.PageRequest{Page: 1, Limit: logs.DefaultPageLimit, Status: strings.TrimSpace(c.Query("status"))}
	if raw, ok := c.GetQuery("page"); ok {
		page, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			h.writeBadRequest(c, operation+".invalid_page", "page must be a number")
			return logs.PageRequest{}, false
		}
		request.Page = page
	}
	if raw, ok := c.GetQuery("limit"); ok {
		limit, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			h.writeBadRequest(c, operation+".invalid_limit", "limit must be a number")
			return logs.PageRequest{}, false
		}
		request.Limit = limit
	}
	return request, true
}

// decodeReviewBody flattens a JSON object into form-style values. Strings are
// unquoted and other JSON values are kept as their literal text.
func decodeReviewBody(body io.Reader) (map[string][]string, error) {
	var raw map[string]json.RawMessage
	decoder := json.NewDecoder(body)
	if err := decoder.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string][]string{}, nil
		}
		return nil, err
	}

	values := make(map[string][]string, len(raw))
	for name, message := range raw {
		trimmed := bytes.TrimSpace(message)
		if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
			continue
		}
		if trimmed[0] == '"' {
			var text string
			if err := json.Unmarshal(trimmed, &text); err != nil {
				return nil, err
			}
			values[name] = []string{text}
			continue
		}
		values[name] = []string{string(trimmed)}
	}
	return values, nil
}

// openUploads opens the first file of every multipart key. The returned
// closer must run even when an error is returned.
func openUploads(form *multipart.Form) (map[string]media.Upload, func(), error) {
	var opened []multipart.File
	closeAll := func() {
		for _, file := range opened {
			_ = file.Close()
		}
	}

	uploads := make(map[string]media.Upload, len(form.File))
	for name, headers := range form.File {
		if len(headers) == 0 {
			continue
		}
		file, err := headers[0].Open()
		if err != nil {
			return nil, closeAll, err
		}
		opened = append(opened, file)
		uploads[name] = media.Upload{FileName: headers[0].Filename, Content: file}
	}
	return uploads, closeAll, nil
}
