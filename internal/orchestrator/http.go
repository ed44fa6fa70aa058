package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/local/invoicesplit/internal/delivery"
	"github.com/local/invoicesplit/internal/export"
	"github.com/local/invoicesplit/internal/filetype"
	"github.com/local/invoicesplit/internal/metrics"
	"github.com/local/invoicesplit/internal/session"
	"github.com/local/invoicesplit/internal/statuscheck"
)

// HealthChecker reports the readiness of external dependencies.
type HealthChecker interface {
	Summary(ctx context.Context) statuscheck.Summary
}

// ServerOptions configures the HTTP control surface.
type ServerOptions struct {
	Username     string
	PasswordHash string // bcrypt; auth is off when empty
	UploadDir    string
	MaxUploadMB  int
	Health       HealthChecker
}

// Server exposes a Controller over HTTP.
type Server struct {
	ctl    *Controller
	opts   ServerOptions
	detect *filetype.Detector
}

func NewServer(ctl *Controller, opts ServerOptions) *Server {
	if opts.UploadDir == "" {
		opts.UploadDir = os.TempDir()
	}
	if opts.MaxUploadMB <= 0 {
		opts.MaxUploadMB = 200
	}
	return &Server{ctl: ctl, opts: opts, detect: filetype.New()}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /documents", s.requireAuth(s.handleLoad))
	mux.HandleFunc("GET /progress/{job}", s.requireAuth(s.handleProgress))
	mux.HandleFunc("GET /pages", s.requireAuth(s.handlePages))
	mux.HandleFunc("GET /pages/{i}/thumbnail", s.requireAuth(s.handleThumbnail))
	mux.HandleFunc("GET /pages/{i}/preview", s.requireAuth(s.handlePreview))
	mux.HandleFunc("POST /pages/{i}/toggle", s.requireAuth(s.handleToggle))
	mux.HandleFunc("POST /selection/all", s.requireAuth(s.handleSelectAll))
	mux.HandleFunc("POST /selection/clear", s.requireAuth(s.handleClear))
	mux.HandleFunc("POST /draft", s.requireAuth(s.handleDraft))
	mux.HandleFunc("POST /export", s.requireAuth(s.handleExport))
	mux.HandleFunc("POST /scan", s.requireAuth(s.handleScan))
	mux.HandleFunc("GET /scan/result", s.requireAuth(s.handleScanResult))
	mux.HandleFunc("POST /deliver", s.requireAuth(s.handleDeliver))
	mux.HandleFunc("GET /report.xlsx", s.requireAuth(s.handleReport))
	mux.HandleFunc("GET /status", s.requireAuth(s.handleStatus))
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.PasswordHash == "" {
			next(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.opts.Username ||
			bcrypt.CompareHashAndPassword([]byte(s.opts.PasswordHash), []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="invoicesplit"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResp struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// writeError maps domain errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	var verr *session.ValidationError
	var ioErr *export.IOError
	var fatal *FatalRunError
	code := http.StatusInternalServerError
	resp := errorResp{Error: err.Error()}
	switch {
	case errors.As(err, &verr):
		code, resp.Reason = http.StatusBadRequest, verr.Reason
	case errors.Is(err, ErrNoDocument), errors.Is(err, ErrJobInFlight):
		code = http.StatusConflict
	case errors.Is(err, ErrNotReady):
		code = http.StatusAccepted
	case errors.Is(err, ErrOutsideRoots):
		code = http.StatusForbidden
	case errors.As(err, &fatal):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, export.ErrPathInvalid), errors.Is(err, export.ErrNoPages),
		errors.Is(err, delivery.ErrNoRecipient):
		code = http.StatusBadRequest
	case errors.As(err, &ioErr):
		code = http.StatusInternalServerError
	}
	if code >= 500 {
		log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	sum := s.opts.Health.Summary(r.Context())
	code := http.StatusOK
	if !sum.Healthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, sum)
}

type loadReq struct {
	Path string `json:"path"`
}

type jobResp struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
	Pages  int    `json:"pages,omitempty"`
}

// handleLoad accepts either a multipart upload in field "file" or a JSON
// body naming a path, file://, http(s):// or s3:// reference.
func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var path, tmp string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		p, err := s.saveUpload(w, r)
		var fatal *FatalRunError
		if errors.As(err, &fatal) {
			writeError(w, err)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		path, tmp = p, p
	} else {
		defer r.Body.Close()
		var req loadReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
			http.Error(w, "invalid json: need path", http.StatusBadRequest)
			return
		}
		var err error
		path, tmp, err = LocalizeInput(r.Context(), req.Path)
		if err != nil {
			writeError(w, &FatalRunError{Input: req.Path, Err: err})
			return
		}
	}

	if err := s.detect.RequirePDF(path); err != nil {
		if tmp != "" {
			_ = os.Remove(tmp)
		}
		writeError(w, &FatalRunError{Input: filepath.Base(path), Err: err})
		return
	}
	jobID, err := s.ctl.Load(r.Context(), path, tmp)
	if err != nil {
		writeError(w, err)
		return
	}
	st := s.ctl.Status()
	writeJSON(w, http.StatusCreated, jobResp{Status: "ok", JobID: jobID, Pages: st.Pages})
}

// sniffLen matches the prefix mimetype inspects by default.
const sniffLen = 3072

func (s *Server) saveUpload(w http.ResponseWriter, r *http.Request) (string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.opts.MaxUploadMB)<<20)
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		return "", fmt.Errorf("invalid multipart form: %w", err)
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		return "", fmt.Errorf("missing file")
	}
	defer file.Close()
	if err := os.MkdirAll(s.opts.UploadDir, 0o755); err != nil {
		return "", err
	}
	name := filepath.Base(hdr.Filename)
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "upload.pdf"
	}

	// Sniff the head of the stream so a non-PDF never reaches the disk.
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read upload: %w", err)
	}
	head = head[:n]
	info, err := s.detect.DetectReader(bytes.NewReader(head))
	if err != nil {
		return "", err
	}
	if !info.Supported {
		return "", &FatalRunError{Input: name, Err: fmt.Errorf("%w: %s", filetype.ErrNotPDF, info.Description)}
	}

	local := filepath.Join(s.opts.UploadDir, "upload-"+uuid.NewString()+"-"+name)
	out, err := os.Create(local)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, io.MultiReader(bytes.NewReader(head), file)); err != nil {
		out.Close()
		os.Remove(local)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(local)
		return "", err
	}
	log.Info().Str("file", name).Str("local", local).Msg("upload saved")
	return local, nil
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("job")
	st, ok, err := s.ctl.Job(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	resp := map[string]any{
		"job_id":   id,
		"kind":     st.Kind,
		"state":    st.State,
		"progress": st.Progress,
		"message":  st.Message,
	}
	if st.Start != nil {
		resp["start"] = st.Start.Format(time.RFC3339)
	}
	if st.End != nil {
		resp["end"] = st.End.Format(time.RFC3339)
	}
	if st.Metadata != nil {
		resp["metadata"] = st.Metadata
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePages(w http.ResponseWriter, r *http.Request) {
	pages, err := s.ctl.Pages()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pages)
}

func pageIndex(r *http.Request) (int, error) {
	i, err := strconv.Atoi(r.PathValue("i"))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", session.ErrPageOutOfRange, r.PathValue("i"))
	}
	return i, nil
}

func writePNG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	i, err := pageIndex(r)
	if err == nil {
		var data []byte
		if data, err = s.ctl.Thumbnail(i); err == nil {
			writePNG(w, data)
			return
		}
	}
	writeError(w, err)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	i, err := pageIndex(r)
	if err != nil {
		writeError(w, err)
		return
	}
	zoom := 1.0
	if z := r.URL.Query().Get("zoom"); z != "" {
		if zoom, err = strconv.ParseFloat(z, 64); err != nil {
			http.Error(w, "invalid zoom", http.StatusBadRequest)
			return
		}
	}
	data, err := s.ctl.Preview(i, zoom)
	if err != nil {
		writeError(w, err)
		return
	}
	writePNG(w, data)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	i, err := pageIndex(r)
	if err != nil {
		writeError(w, err)
		return
	}
	checked, err := s.ctl.Toggle(i)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"page": i, "checked": checked})
}

func (s *Server) handleSelectAll(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.SelectAll(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctl.Status())
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.ClearSelection(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctl.Status())
}

type exportReq struct {
	Code   string `json:"code"`
	Year   string `json:"year"`
	Client string `json:"client"`
	Other  string `json:"other"`
}

func decodeExport(r *http.Request) (exportReq, error) {
	defer r.Body.Close()
	var req exportReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, err
	}
	return req, nil
}

func (s *Server) handleDraft(w http.ResponseWriter, r *http.Request) {
	req, err := decodeExport(r)
	if err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.ctl.SetDraft(req.Code, req.Year, req.Client, req.Other); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctl.Status())
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	req, err := decodeExport(r)
	if err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	e, err := s.ctl.Export(r.Context(), session.Request{Code: req.Code, Year: req.Year, Client: req.Client, Other: req.Other})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"export": e, "status": s.ctl.Status().Line})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	jobID, err := s.ctl.Scan(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResp{Status: "ok", JobID: jobID})
}

func (s *Server) handleScanResult(w http.ResponseWriter, r *http.Request) {
	res, ok := s.ctl.LastRun()
	if !ok {
		writeError(w, ErrNotReady)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type deliverReq struct {
	Path string `json:"path"`
	To   string `json:"to"`
}

func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req deliverReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		http.Error(w, "invalid json: need path and to", http.StatusBadRequest)
		return
	}
	if err := s.ctl.Deliver(r.Context(), req.Path, req.To); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent", "to": req.To})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	data, err := s.ctl.Report(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="usage.xlsx"`)
	_, _ = w.Write(data)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Status())
}
