package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"docuflow/api/internal/auth"
	"docuflow/api/internal/store"
	"docuflow/api/internal/workflow"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Auth routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/register" {
		var body RegisterInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		user, err := s.service.Register(r.Context(), body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"user": userJSON(user)})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/login" {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.Username, body.Password)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, sessionJSON(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/refresh" {
		var body struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		writeJSON(w, http.StatusOK, sessionJSON(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/logout" {
		session := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				session = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refresh_token"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), session, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/auth/profile" {
		user, err := s.service.Profile(r.Context(), session.UserID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user": userJSON(user)})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/auth/admins" {
		admins, err := s.service.ListAdmins(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list admins", nil)
			return
		}
		items := make([]map[string]any, 0, len(admins))
		for _, admin := range admins {
			items = append(items, userJSON(admin))
		}
		writeJSON(w, http.StatusOK, map[string]any{"admins": items})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/documents" {
		search, limit, offset, err := listQuery(r)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		items, err := s.service.ListDocuments(r.Context(), search, limit, offset)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list documents", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": documentListJSON(items)})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/documents/mine" {
		search, limit, offset, err := listQuery(r)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		items, err := s.service.ListMyDocuments(r.Context(), session, search, limit, offset)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list documents", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": documentListJSON(items)})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/documents" {
		name, upload, err := documentForm(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		doc, err := s.service.UploadDocument(r.Context(), session, name, upload)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"document": documentJSON(doc)})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/permission-requests" {
		var body CreatePermissionRequestInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		created, err := s.service.CreatePermissionRequest(r.Context(), session, body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"request": requestJSON(created)})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/permission-requests" {
		_, limit, offset, err := listQuery(r)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		items, err := s.service.ListAssignedRequests(r.Context(), session, limit, offset)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"requests": requestListJSON(items)})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/permission-requests/mine" {
		_, limit, offset, err := listQuery(r)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		items, err := s.service.ListMyRequests(r.Context(), session, limit, offset)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"requests": requestListJSON(items)})
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "documents" {
		documentID, err := parseID(parts[2])
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "document id must be an integer", nil)
			return
		}
		s.handleDocument(w, r, session, documentID, parts)
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "permission-requests" {
		requestID, err := parseID(parts[2])
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "request id must be an integer", nil)
			return
		}
		s.handlePermissionRequest(w, r, session, requestID, parts)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleDocument(w http.ResponseWriter, r *http.Request, session Session, documentID int64, parts []string) {
	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			doc, err := s.service.GetDocument(r.Context(), documentID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"document": documentJSON(doc)})
			return

		case http.MethodPut, http.MethodPatch:
			name, upload, err := documentForm(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			doc, err := s.service.UpdateDocument(r.Context(), session, documentID, name, upload)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"document": documentJSON(doc)})
			return

		case http.MethodDelete:
			if err := s.service.RemoveDocument(r.Context(), session, documentID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(parts) == 4 && parts[3] == "check-update-permission" && r.Method == http.MethodGet {
		verdict, err := s.service.CheckUpdatePermission(r.Context(), session, documentID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"allowed": verdict.Allowed, "message": verdict.Message})
		return
	}

	if len(parts) == 4 && parts[3] == "check-remove-permission" && r.Method == http.MethodGet {
		verdict, err := s.service.CheckRemovePermission(r.Context(), session, documentID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"allowed": verdict.Allowed, "message": verdict.Message})
		return
	}

	if len(parts) == 4 && parts[3] == "request-permission" && (r.Method == http.MethodPost || r.Method == http.MethodPatch) {
		var body struct {
			Status string `json:"status"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		doc, err := s.service.RequestPermission(r.Context(), session, documentID, workflow.DocumentStatus(strings.TrimSpace(body.Status)))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"document": documentJSON(doc)})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handlePermissionRequest(w http.ResponseWriter, r *http.Request, session Session, requestID int64, parts []string) {
	if len(parts) == 3 && r.Method == http.MethodGet {
		req, err := s.service.GetPermissionRequest(r.Context(), requestID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"request": requestJSON(req)})
		return
	}

	review := len(parts) == 3 && r.Method == http.MethodPatch ||
		len(parts) == 4 && parts[3] == "review" && (r.Method == http.MethodPost || r.Method == http.MethodPatch)
	if review {
		var body ReviewInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		outcome, err := s.service.ReviewPermissionRequest(r.Context(), session, requestID, body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"request":  requestJSON(outcome.Request),
			"document": documentJSON(outcome.Document),
		})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// documentForm reads either a multipart form (file plus name_doc field)
// or a plain JSON body with name_doc only.
func documentForm(r *http.Request) (string, *FileUpload, error) {
	contentType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if contentType != "multipart/form-data" {
		var body struct {
			NameDoc string `json:"name_doc"`
		}
		if err := decodeBody(r, &body); err != nil {
			return "", nil, err
		}
		return body.NameDoc, nil, nil
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return "", nil, fmt.Errorf("invalid multipart form")
	}
	name := r.FormValue("name_doc")

	file, header, err := r.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return name, nil, nil
		}
		return "", nil, fmt.Errorf("invalid file field")
	}

	return name, &FileUpload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Reader:      file,
	}, nil
}

func listQuery(r *http.Request) (search string, limit, offset int, err error) {
	search = strings.TrimSpace(r.URL.Query().Get("search"))
	limit = 10
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			return "", 0, 0, fmt.Errorf("limit must be an integer")
		}
	}
	offset = 0
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil {
			return "", 0, 0, fmt.Errorf("offset must be an integer")
		}
	}
	return search, limit, offset, nil
}

func parseID(raw string) (int64, error) {
	return strconv.ParseInt(raw, 10, 64)
}

func sessionJSON(session Session) map[string]any {
	return map[string]any{
		"token":         session.Token,
		"refresh_token": session.RefreshToken,
		"user_id":       session.UserID,
		"username":      session.Username,
		"name":          session.Name,
		"role":          session.Role,
		"expires_at":    session.ExpiresAt.Unix(),
	}
}

func userJSON(user store.User) map[string]any {
	return map[string]any{
		"id":         user.ID,
		"name":       user.Name,
		"username":   user.Username,
		"role":       user.Role,
		"created_at": user.CreatedAt,
	}
}

func documentJSON(doc store.Document) map[string]any {
	return map[string]any{
		"id":                    doc.ID,
		"name_doc":              doc.NameDoc,
		"url_doc":               doc.URLDoc,
		"status":                doc.Status,
		"is_replace_permission": doc.IsReplacePermission,
		"is_remove_permission":  doc.IsRemovePermission,
		"user_id":               doc.UserID,
		"owner_name":            doc.OwnerName,
		"owner_username":        doc.OwnerUsername,
		"created_by":            doc.CreatedBy,
		"updated_by":            doc.UpdatedBy,
		"created_at":            doc.CreatedAt,
		"updated_at":            doc.UpdatedAt,
	}
}

func documentListJSON(docs []store.Document) []map[string]any {
	items := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		items = append(items, documentJSON(doc))
	}
	return items
}

func requestJSON(req store.PermissionRequest) map[string]any {
	payload := map[string]any{
		"id":                req.ID,
		"document_id":       req.DocumentID,
		"user_id":           req.UserID,
		"admin_id":          req.AdminID,
		"request_type":      req.RequestType,
		"status_permission": req.StatusPermission,
		"message":           req.Message,
		"admin_note":        req.AdminNote,
		"document_name":     req.DocumentName,
		"document_status":   req.DocumentStatus,
		"requester_name":    req.RequesterName,
		"admin_name":        req.AdminName,
		"created_at":        req.CreatedAt,
		"updated_at":        req.UpdatedAt,
	}
	if req.ReviewedAt != nil {
		payload["reviewed_at"] = req.ReviewedAt
	} else {
		payload["reviewed_at"] = nil
	}
	return payload
}

func requestListJSON(reqs []store.PermissionRequest) []map[string]any {
	items := make([]map[string]any, 0, len(reqs))
	for _, req := range reqs {
		items = append(items, requestJSON(req))
	}
	return items
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
