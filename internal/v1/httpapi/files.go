package httpapi

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/woorichat/woorichat/internal/v1/crypt"
	"github.com/woorichat/woorichat/internal/v1/logging"
	"github.com/woorichat/woorichat/internal/v1/metrics"
	"github.com/woorichat/woorichat/internal/v1/middleware"
	"github.com/woorichat/woorichat/internal/v1/store"
	"github.com/woorichat/woorichat/internal/v1/uploads"
)

const (
	msgPayloadTooLarge   = "파일 크기가 제한을 초과했습니다."
	msgMissingFile       = "파일이 없습니다."
	msgNoFileSelected    = "파일이 선택되지 않았습니다."
	msgBadExtension      = "허용되지 않는 파일 형식입니다."
	msgSignatureMismatch = "파일 내용이 확장자와 일치하지 않습니다."
	msgScanJobNotFound   = "스캔 작업을 찾을 수 없습니다."
	msgFileNotFound      = "파일을 찾을 수 없습니다."
)

func (h *Handlers) upload(c *gin.Context) {
	// The size gate runs on the declared length, before any multipart parse
	// touches the body.
	if h.cfg.MaxContentLength > 0 && c.Request.ContentLength > h.cfg.MaxContentLength {
		metrics.UploadOutcomes.WithLabelValues("rejected").Inc()
		jsonError(c, http.StatusRequestEntityTooLarge, msgPayloadTooLarge, "payload_too_large")
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		jsonError(c, http.StatusBadRequest, msgMissingFile, "missing_file")
		return
	}
	roomID, ok := formRoomID(c)
	if !ok {
		return
	}
	userID := middleware.UserID(c)
	if !h.requireMember(c, roomID, userID) {
		return
	}

	filename := fileHeader.Filename
	if filename == "" {
		jsonError(c, http.StatusBadRequest, msgNoFileSelected, "missing_file")
		return
	}
	if !uploads.Allowed(filename) {
		metrics.UploadOutcomes.WithLabelValues("rejected").Inc()
		jsonError(c, http.StatusBadRequest, msgBadExtension, "disallowed_extension")
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		internalError(c, "upload open failed", err)
		return
	}
	defer f.Close()

	head := make([]byte, crypt.HeaderCheckLen)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		internalError(c, "upload read failed", err)
		return
	}
	head = head[:n]
	if !crypt.ValidateFileHeader(filename, head) {
		metrics.UploadOutcomes.WithLabelValues("rejected").Inc()
		jsonError(c, http.StatusBadRequest, msgSignatureMismatch, "signature_mismatch")
		return
	}
	content := io.MultiReader(bytes.NewReader(head), f)

	stored := uploads.StoredName(filename)
	secure := uploads.SecureFilename(filename)
	fileType := uploads.Kind(filename)
	size := fileHeader.Size
	ctx := c.Request.Context()

	if h.scans != nil && h.scans.Enabled() {
		tempRel := path.Join("quarantine", stored)
		if err := h.saveUpload(tempRel, content); err != nil {
			internalError(c, "quarantine write failed", err)
			return
		}

		jobID := uuid.NewString()
		err := h.store.CreateScanJob(ctx, store.ScanJob{
			JobID:     jobID,
			UserID:    userID,
			RoomID:    roomID,
			TempPath:  tempRel,
			FinalPath: stored,
			FileName:  secure,
			FileType:  fileType,
			FileSize:  size,
		})
		if err != nil {
			h.removeUploadFile(ctx, tempRel)
			internalError(c, "scan job insert failed", err)
			return
		}
		// A full queue is fine; the maintenance loop re-enqueues pending jobs.
		h.scans.Enqueue(jobID)
		metrics.UploadOutcomes.WithLabelValues("pending").Inc()
		c.JSON(http.StatusOK, gin.H{"success": true, "scan_status": "pending", "job_id": jobID})
		return
	}

	if err := h.saveUpload(stored, content); err != nil {
		internalError(c, "upload write failed", err)
		return
	}
	token, err := h.tokens.Issue(ctx, uploads.TokenData{
		UserID:   userID,
		RoomID:   roomID,
		FilePath: stored,
		FileName: secure,
		FileType: fileType,
		FileSize: size,
	})
	if err != nil {
		h.removeUploadFile(ctx, stored)
		internalError(c, "upload token issue failed", err)
		return
	}

	metrics.UploadOutcomes.WithLabelValues("clean").Inc()
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"scan_status":  "clean",
		"upload_token": token,
		"file_path":    stored,
		"file_name":    secure,
	})
}

func formRoomID(c *gin.Context) (int64, bool) {
	roomID, err := strconv.ParseInt(c.PostForm("room_id"), 10, 64)
	if err != nil || roomID <= 0 {
		jsonError(c, http.StatusBadRequest, msgBadRequest, "invalid_id")
		return 0, false
	}
	return roomID, true
}

func (h *Handlers) uploadJob(c *gin.Context) {
	jobID := c.Param("jobID")
	job, err := h.store.GetScanJob(c.Request.Context(), jobID)
	if errors.Is(err, store.ErrNotFound) {
		jsonError(c, http.StatusNotFound, msgScanJobNotFound, "job_not_found")
		return
	}
	if err != nil {
		internalError(c, "scan job load failed", err)
		return
	}
	if job.UserID != middleware.UserID(c) {
		jsonError(c, http.StatusForbidden, msgNoPermission, "forbidden")
		return
	}

	resp := gin.H{"job_id": job.JobID, "status": job.Status}
	switch job.Status {
	case store.ScanStatusClean:
		resp["upload_token"] = job.Token
		resp["file_path"] = job.FinalPath
		resp["file_name"] = job.FileName
	case store.ScanStatusInfected, store.ScanStatusError:
		resp["error"] = crypt.SafeClientMessage(job.Result, msgServerError)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) listFiles(c *gin.Context) {
	roomID, ok := paramID(c, "id")
	if !ok {
		return
	}
	if !h.requireMember(c, roomID, middleware.UserID(c)) {
		return
	}
	files, err := h.store.ListRoomFiles(c.Request.Context(), roomID, c.Query("type"))
	if err != nil {
		internalError(c, "file listing failed", err)
		return
	}
	if files == nil {
		files = []store.RoomFile{}
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

// deleteFile removes a file from the room gallery. Uploaders delete their
// own files; admins delete anything, and that lands in the audit trail.
func (h *Handlers) deleteFile(c *gin.Context) {
	roomID, ok := paramID(c, "id")
	if !ok {
		return
	}
	fileID, ok := paramID(c, "fileID")
	if !ok {
		return
	}
	userID := middleware.UserID(c)
	if !h.requireMember(c, roomID, userID) {
		return
	}

	ctx := c.Request.Context()
	isAdmin, err := h.store.IsAdmin(ctx, roomID, userID)
	if err != nil {
		internalError(c, "admin check failed", err)
		return
	}

	filePath, err := h.store.DeleteRoomFile(ctx, fileID, userID, roomID, isAdmin)
	switch {
	case errors.Is(err, store.ErrNotFound):
		jsonError(c, http.StatusNotFound, msgFileNotFound, "file_not_found")
		return
	case errors.Is(err, store.ErrForbidden):
		jsonError(c, http.StatusForbidden, msgNoPermission, "forbidden")
		return
	case err != nil:
		internalError(c, "file delete failed", err)
		return
	}

	if isAdmin {
		if err := h.store.LogAdminAction(ctx, roomID, userID, 0, "delete_file",
			map[string]any{"file_id": fileID, "file_path": filePath}); err != nil {
			logging.Warn(ctx, "Failed to write admin audit entry", zap.Error(err))
		}
	}
	h.removeUploadFile(ctx, filePath)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// download serves stored uploads. Profile images are visible to any
// authenticated user; room attachments only to members; quarantine never.
func (h *Handlers) download(c *gin.Context) {
	rel := strings.TrimPrefix(c.Param("filepath"), "/")
	abs, ok := h.resolveUploadPath(rel)
	if !ok {
		jsonError(c, http.StatusBadRequest, msgBadRequest, "invalid_path")
		return
	}

	first := rel
	if i := strings.IndexByte(rel, '/'); i >= 0 {
		first = rel[:i]
	}

	switch first {
	case "quarantine":
		jsonError(c, http.StatusNotFound, msgFileNotFound, "file_not_found")
		return
	case "profiles":
		if _, err := os.Stat(abs); err != nil {
			jsonError(c, http.StatusNotFound, msgFileNotFound, "file_not_found")
			return
		}
		c.Header("Cache-Control", "private, max-age=3600")
		c.File(abs)
		return
	}

	ctx := c.Request.Context()
	rf, err := h.store.GetRoomFileByPath(ctx, rel)
	if errors.Is(err, store.ErrNotFound) {
		jsonError(c, http.StatusNotFound, msgFileNotFound, "file_not_found")
		return
	}
	if err != nil {
		internalError(c, "file lookup failed", err)
		return
	}
	if !h.requireMember(c, rf.RoomID, middleware.UserID(c)) {
		return
	}
	if _, err := os.Stat(abs); err != nil {
		jsonError(c, http.StatusNotFound, msgFileNotFound, "file_not_found")
		return
	}

	c.Header("Cache-Control", "private, no-store")
	if uploads.Kind(rf.FileName) == "image" {
		c.File(abs)
		return
	}
	c.FileAttachment(abs, rf.FileName)
}

// resolveUploadPath joins rel to the uploads root and rejects traversal.
func (h *Handlers) resolveUploadPath(rel string) (string, bool) {
	if rel == "" {
		return "", false
	}
	root, err := filepath.Abs(h.cfg.UploadDir)
	if err != nil {
		return "", false
	}
	abs := filepath.Clean(filepath.Join(root, filepath.FromSlash(rel)))
	if abs == root || !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", false
	}
	return abs, true
}

// saveUpload streams content to rel under the uploads root.
func (h *Handlers) saveUpload(rel string, content io.Reader) error {
	abs, ok := h.resolveUploadPath(rel)
	if !ok {
		return errors.New("upload path escapes uploads root")
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
		return err
	}
	out, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, content); err != nil {
		out.Close()
		_ = os.Remove(abs)
		return err
	}
	return out.Close()
}

// removeUploadFile deletes a stored file, confined to the uploads root.
func (h *Handlers) removeUploadFile(ctx context.Context, rel string) {
	abs, ok := h.resolveUploadPath(rel)
	if !ok {
		return
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		logging.Warn(ctx, "Failed to delete upload file", zap.String("path", rel), zap.Error(err))
	}
}
