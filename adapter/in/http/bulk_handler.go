// Package http contains the inbound HTTP handlers.
package http

import (
	"fmt"
	"io"
	"strings"

	"verifier_server/core/domain"
	"verifier_server/core/port/in"
	"verifier_server/pkg/apperr"
	"verifier_server/pkg/logger"
	"verifier_server/pkg/response"

	"github.com/gofiber/fiber/v2"
)

// BulkHandler serves the bulk validation job endpoints.
type BulkHandler struct {
	svc            in.BulkService
	maxUploadBytes int64
	log            *logger.Logger
}

// NewBulkHandler creates a bulk job handler. maxUploadMB bounds the
// accepted workbook size.
func NewBulkHandler(svc in.BulkService, maxUploadMB int, log *logger.Logger) *BulkHandler {
	if log == nil {
		log = logger.Default()
	}
	return &BulkHandler{
		svc:            svc,
		maxUploadBytes: int64(maxUploadMB) * 1024 * 1024,
		log:            log.WithField("handler", "bulk"),
	}
}

// Register registers bulk job routes.
func (h *BulkHandler) Register(router fiber.Router) {
	grp := router.Group("/bulk")
	grp.Post("/", h.Upload)
	grp.Post("/paste", h.Paste)
	grp.Get("/", h.List)
	grp.Get("/:id", h.Get)
	grp.Post("/:id/cleanup", h.Cleanup)
	grp.Post("/:id/start", h.Start)
	grp.Post("/:id/cancel", h.Cancel)
	grp.Get("/:id/download/:kind", h.Download)
}

// Upload accepts a multipart workbook and runs preflight analysis.
func (h *BulkHandler) Upload(c *fiber.Ctx) error {
	username, err := GetUsername(c)
	if err != nil {
		return response.Error(c, fiber.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return AppErrorResponse(c, apperr.MissingField("file"))
	}
	if fileHeader.Size > h.maxUploadBytes {
		return AppErrorResponse(c, apperr.BadRequest(
			fmt.Sprintf("file exceeds maximum size of %d MB", h.maxUploadBytes/(1024*1024))))
	}

	f, err := fileHeader.Open()
	if err != nil {
		return InternalErrorResponse(c, err, "read upload")
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, h.maxUploadBytes+1))
	if err != nil {
		return InternalErrorResponse(c, err, "read upload")
	}
	if int64(len(data)) > h.maxUploadBytes {
		return AppErrorResponse(c, apperr.BadRequest("file exceeds maximum upload size"))
	}

	job, err := h.svc.CreateFromFile(c.Context(), username, GetSessionID(c), fileHeader.Filename, data)
	if err != nil {
		return AppErrorResponse(c, err)
	}

	h.log.WithJob(job.ID).Info("job created from upload: rows=%d", job.Analysis.TotalRowsWithEmailCell)
	return response.Created(c, job)
}

type pasteRequest struct {
	Emails string `json:"emails"`
}

// Paste accepts newline-separated addresses and runs preflight analysis.
func (h *BulkHandler) Paste(c *fiber.Ctx) error {
	username, err := GetUsername(c)
	if err != nil {
		return response.Error(c, fiber.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
	}

	var req pasteRequest
	if err := c.BodyParser(&req); err != nil {
		return AppErrorResponse(c, apperr.BadRequest("invalid request body"))
	}
	if strings.TrimSpace(req.Emails) == "" {
		return AppErrorResponse(c, apperr.MissingField("emails"))
	}

	job, err := h.svc.CreateFromText(c.Context(), username, GetSessionID(c), req.Emails)
	if err != nil {
		return AppErrorResponse(c, err)
	}

	h.log.WithJob(job.ID).Info("job created from paste: rows=%d", job.Analysis.TotalRowsWithEmailCell)
	return response.Created(c, job)
}

// List returns the account's jobs, optionally filtered by state.
func (h *BulkHandler) List(c *fiber.Ctx) error {
	username, err := GetUsername(c)
	if err != nil {
		return response.Error(c, fiber.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
	}

	var state domain.JobState
	if s := c.Query("state"); s != "" {
		state = domain.JobState(s)
		if !state.Valid() {
			return AppErrorResponse(c, apperr.InvalidInput("state", "unknown job state"))
		}
	}

	limit := c.QueryInt("limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := h.svc.ListByState(c.Context(), username, state, limit, offset)
	if err != nil {
		return AppErrorResponse(c, err)
	}

	return response.OKWithMeta(c, jobs, &response.Meta{
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+len(jobs) < total,
	})
}

// Get returns a single job record.
func (h *BulkHandler) Get(c *fiber.Ctx) error {
	job, err := h.ownedJob(c)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	return response.OK(c, job)
}

// Cleanup rebuilds the cleaned and fix workbooks for a job.
func (h *BulkHandler) Cleanup(c *fiber.Ctx) error {
	if _, err := h.ownedJob(c); err != nil {
		return AppErrorResponse(c, err)
	}

	job, err := h.svc.Cleanup(c.Context(), c.Params("id"))
	if err != nil {
		return AppErrorResponse(c, err)
	}

	h.log.WithJob(job.ID).Info("cleanup finished: state=%s", job.State)
	return response.OK(c, job)
}

type startRequest struct {
	SkipInvalidFormat bool `json:"skip_invalid_format"`
	Detached          bool `json:"detached"`
}

// Start begins the validation run for a job.
func (h *BulkHandler) Start(c *fiber.Ctx) error {
	if _, err := h.ownedJob(c); err != nil {
		return AppErrorResponse(c, err)
	}

	var req startRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return AppErrorResponse(c, apperr.BadRequest("invalid request body"))
		}
	}

	job, err := h.svc.Start(c.Context(), c.Params("id"), in.StartOptions{
		SkipInvalidFormat: req.SkipInvalidFormat,
		Detached:          req.Detached,
	})
	if err != nil {
		return AppErrorResponse(c, err)
	}

	h.log.WithJob(job.ID).Info("run started: detached=%t", req.Detached)
	if req.Detached {
		return response.Accepted(c, job)
	}
	return response.OK(c, job)
}

// Cancel requests cooperative cancellation of a running job.
func (h *BulkHandler) Cancel(c *fiber.Ctx) error {
	if _, err := h.ownedJob(c); err != nil {
		return AppErrorResponse(c, err)
	}

	if err := h.svc.Cancel(c.Context(), c.Params("id")); err != nil {
		return AppErrorResponse(c, err)
	}

	h.log.WithJob(c.Params("id")).Info("cancellation requested")
	return response.OK(c, fiber.Map{"status": "canceling"})
}

// Download streams one of the job's workbook artifacts.
func (h *BulkHandler) Download(c *fiber.Ctx) error {
	if _, err := h.ownedJob(c); err != nil {
		return AppErrorResponse(c, err)
	}

	kind := domain.FileKind(c.Params("kind"))
	switch kind {
	case domain.FileOriginal, domain.FileCleaned, domain.FileFix, domain.FileResult:
	default:
		return AppErrorResponse(c, apperr.InvalidInput("kind", "unknown file kind"))
	}

	ref, rc, err := h.svc.Download(c.Context(), c.Params("id"), kind)
	if err != nil {
		return AppErrorResponse(c, err)
	}

	c.Set(fiber.HeaderContentType, ref.ContentType)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", ref.Name))
	if ref.Size > 0 {
		return c.SendStream(rc, int(ref.Size))
	}
	return c.SendStream(rc)
}

// ownedJob loads the job from the path parameter and enforces that the
// authenticated account owns it. Foreign jobs surface as not found.
func (h *BulkHandler) ownedJob(c *fiber.Ctx) (*domain.BulkJob, error) {
	username, err := GetUsername(c)
	if err != nil {
		return nil, apperr.Unauthorized("authentication required")
	}

	id := c.Params("id")
	if id == "" {
		return nil, apperr.MissingField("id")
	}

	job, err := h.svc.Get(c.Context(), id)
	if err != nil {
		return nil, err
	}
	if job.Username != username {
		return nil, apperr.NotFound("job")
	}
	return job, nil
}
