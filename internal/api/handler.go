package api

import (
	"encoding/base64"
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

	"github.com/sirupsen/logrus"

	"video-segmentation/internal/config"
	"video-segmentation/internal/dto"
	"video-segmentation/internal/models"
	"video-segmentation/internal/service"
	"video-segmentation/internal/stream"
	webrtcHandler "video-segmentation/internal/webrtc"
)

const version = "1.0.0"

type Handler struct {
	sessionService *service.SessionService
	webrtcHandler  *webrtcHandler.StreamHandler // nil when WebRTC is disabled
	config         *config.Config
	log            logrus.FieldLogger
}

func NewHandler(sessionService *service.SessionService, rtc *webrtcHandler.StreamHandler, cfg *config.Config, logger logrus.FieldLogger) *Handler {
	return &Handler{
		sessionService: sessionService,
		webrtcHandler:  rtc,
		config:         cfg,
		log:            logger.WithField("component", "api"),
	}
}

func (handler *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := dto.HealthResponse{
		Status:    "healthy",
		Engine:    "up",
		Sessions:  handler.sessionService.Stats().Sessions,
		Version:   version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if !handler.sessionService.EngineAlive() {
		response.Status = "degraded"
		response.Engine = "down"
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, response)
}

// CreateSession godoc
// @Summary      Create a segmentation session
// @Description  Fetches the video named by "source" (JSON body) or reads the multipart "video" upload, extracts its frames and prepares the engine
// @Tags         Sessions
// @Accept       json,multipart/form-data
// @Produce      json
// @Param        inline  query     bool  false  "Return frames as base64 JPEGs"
// @Success      201     {object}  dto.CreateSessionResponse
// @Failure      400     {object}  dto.ErrorResponse
// @Failure      422     {object}  dto.ErrorResponse
// @Router       /api/v1/sessions [post]
func (handler *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	src, ok := handler.parseSource(w, r)
	if !ok {
		return
	}
	src.Owner = ownerFromContext(r.Context())

	info, frames, err := handler.sessionService.CreateSession(r.Context(), src)
	if c, ok := src.Upload.(io.Closer); ok {
		c.Close()
	}
	if err != nil {
		handler.respondServiceError(w, err)
		return
	}

	response := dto.CreateSessionResponse{SessionID: info.ID, Frames: frames, Session: info}
	if inline, _ := strconv.ParseBool(r.URL.Query().Get("inline")); inline {
		encoded, err := inlineFrames(frames)
		if err != nil {
			respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read frames: %v", err), service.CodeInternal)
			return
		}
		response.Frames = encoded
	}
	respondJSON(w, http.StatusCreated, response)
}

// parseSource reads either a JSON locator or a multipart upload.
func (handler *Handler) parseSource(w http.ResponseWriter, r *http.Request) (service.Source, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, handler.config.MaxUploadSize)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			status := http.StatusBadRequest
			var maxBytes *http.MaxBytesError
			if errors.As(err, &maxBytes) {
				status = http.StatusRequestEntityTooLarge
			}
			respondError(w, status, fmt.Sprintf("Failed to parse form: %v", err), "")
			return service.Source{}, false
		}
		if locator := r.FormValue("source"); locator != "" {
			return service.Source{Locator: locator}, true
		}
		file, header, err := r.FormFile("video")
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("Failed to get video file: %v", err), "")
			return service.Source{}, false
		}
		return service.Source{Upload: file, Filename: header.Filename}, true
	}

	var req dto.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Failed to parse request: %v", err), "")
		return service.Source{}, false
	}
	locator := req.Source
	if locator == "" {
		locator = req.S3Link
	}
	if locator == "" {
		respondError(w, http.StatusBadRequest, "source is required", "")
		return service.Source{}, false
	}
	return service.Source{Locator: locator}, true
}

func inlineFrames(frames []models.Frame) ([]string, error) {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return nil, err
		}
		out = append(out, base64.StdEncoding.EncodeToString(data))
	}
	return out, nil
}

// ListSessions godoc
// @Summary      List live sessions
// @Tags         Sessions
// @Produce      json
// @Success      200  {array}  models.SessionInfo
// @Router       /api/v1/sessions [get]
func (handler *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, handler.sessionService.ListSessions(ownerFromContext(r.Context())))
}

// GetSession godoc
// @Summary      Get a session
// @Tags         Sessions
// @Produce      json
// @Param        id   path      string  true  "Session ID"
// @Success      200  {object}  models.SessionInfo
// @Failure      404  {object}  dto.ErrorResponse
// @Router       /api/v1/sessions/{id} [get]
func (handler *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	info, ok := handler.authorize(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, info)
}

// DeleteSession godoc
// @Summary      Delete a session
// @Description  Releases the engine state and removes every stored frame. Fails with 409 while an operation is running
// @Tags         Sessions
// @Produce      json
// @Param        id   path      string  true  "Session ID"
// @Success      200  {object}  dto.SuccessResponse
// @Failure      404  {object}  dto.ErrorResponse
// @Failure      409  {object}  dto.ErrorResponse
// @Router       /api/v1/sessions/{id} [delete]
func (handler *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	info, ok := handler.authorize(w, r)
	if !ok {
		return
	}
	if err := handler.sessionService.DeleteSession(r.Context(), info.ID); err != nil {
		handler.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, dto.SuccessResponse{Message: "Session deleted successfully"})
}

// Annotate godoc
// @Summary      Add point prompts for an object
// @Description  Returns the mask of every tracked object on the annotated frame
// @Tags         Sessions
// @Accept       json
// @Produce      json
// @Param        id          path      string             true  "Session ID"
// @Param        annotation  body      models.Annotation  true  "Clicks"
// @Success      200         {object}  models.FrameResult
// @Failure      400         {object}  dto.ErrorResponse
// @Failure      404         {object}  dto.ErrorResponse
// @Router       /api/v1/sessions/{id}/annotations [post]
func (handler *Handler) Annotate(w http.ResponseWriter, r *http.Request) {
	info, ok := handler.authorize(w, r)
	if !ok {
		return
	}
	var ann models.Annotation
	if err := json.NewDecoder(r.Body).Decode(&ann); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Failed to parse annotation: %v", err), service.CodeInvalidAnnotation)
		return
	}

	result, err := handler.sessionService.Annotate(r.Context(), info.ID, ann)
	if err != nil {
		handler.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ResetSession godoc
// @Summary      Discard every annotation of a session
// @Tags         Sessions
// @Produce      json
// @Param        id   path      string  true  "Session ID"
// @Success      200  {object}  models.SessionInfo
// @Router       /api/v1/sessions/{id}/reset [post]
func (handler *Handler) ResetSession(w http.ResponseWriter, r *http.Request) {
	info, ok := handler.authorize(w, r)
	if !ok {
		return
	}
	updated, err := handler.sessionService.ResetSession(r.Context(), info.ID)
	if err != nil {
		handler.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

// Propagate godoc
// @Summary      Propagate masks through the video
// @Description  Streams one message per frame as it is computed. JSON messages are each followed by "frameseparator"; send Accept: application/x-msgpack for length-prefixed msgpack
// @Tags         Sessions
// @Produce      multipart/x-savi-stream,application/x-msgpack
// @Param        id   path  string  true  "Session ID"
// @Success      200  {string}  string  "stream"
// @Failure      404  {object}  dto.ErrorResponse
// @Failure      409  {object}  dto.ErrorResponse
// @Router       /api/v1/sessions/{id}/propagate [post]
func (handler *Handler) Propagate(w http.ResponseWriter, r *http.Request) {
	info, ok := handler.authorize(w, r)
	if !ok {
		return
	}
	handler.propagate(w, r, info.ID, stream.Negotiate(r.Header.Get("Accept")), true, respondError)
}

// propagate streams a run. Errors raised before the first message still get
// a regular error response through fail. Without a summary the completion
// message is dropped; failures still end the stream with an error frame.
func (handler *Handler) propagate(w http.ResponseWriter, r *http.Request, id string, format stream.Format, summary bool, fail func(http.ResponseWriter, int, string, string)) {
	// streams outlive any server write timeout
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	out := &lazyStream{w: w, rc: rc, contentType: format.ContentType()}
	var sink service.Sink = stream.NewWriter(out, format)
	if !summary {
		sink = withoutSummary{sink}
	}
	if _, err := handler.sessionService.Propagate(r.Context(), id, sink); err != nil {
		handler.streamFailed(w, id, err, out.started, fail)
	}
}

func (handler *Handler) streamFailed(w http.ResponseWriter, id string, err error, started bool, fail func(http.ResponseWriter, int, string, string)) {
	if !started {
		status, code := statusFor(err)
		fail(w, status, err.Error(), code)
		return
	}
	handler.log.WithError(err).WithField("session_id", id).Debug("propagation stream ended early")
}

type withoutSummary struct{ service.Sink }

func (withoutSummary) Done(service.PropagationSummary) error { return nil }

// lazyStream commits the streaming headers on the first write.
type lazyStream struct {
	w           http.ResponseWriter
	rc          *http.ResponseController
	contentType string
	started     bool
}

func (s *lazyStream) Write(p []byte) (int, error) {
	if !s.started {
		s.started = true
		h := s.w.Header()
		h.Set("Content-Type", s.contentType)
		h.Set("Cache-Control", "no-cache")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
	}
	return s.w.Write(p)
}

func (s *lazyStream) Flush() {
	_ = s.rc.Flush()
}

// GetResults godoc
// @Summary      Get cached propagation results
// @Description  Returns the frames of the last propagation, optionally limited to [from, to]. complete is false while a run is going or after it was interrupted
// @Tags         Sessions
// @Produce      json
// @Param        id    path      string  true   "Session ID"
// @Param        from  query     int     false  "First frame index"
// @Param        to    query     int     false  "Last frame index"
// @Success      200   {object}  dto.ResultsResponse
// @Failure      404   {object}  dto.ErrorResponse
// @Router       /api/v1/sessions/{id}/results [get]
func (handler *Handler) GetResults(w http.ResponseWriter, r *http.Request) {
	info, ok := handler.authorize(w, r)
	if !ok {
		return
	}
	from, to := 0, -1
	q := r.URL.Query()
	for name, dst := range map[string]*int{"from": &from, "to": &to} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s: %q", name, v), "")
				return
			}
			*dst = n
		}
	}

	results, err := handler.sessionService.GetResults(info.ID)
	if err != nil {
		handler.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, dto.ResultsResponse{
		SessionID: results.SessionID,
		Complete:  results.Complete,
		Stale:     results.Stale,
		Frames:    results.Range(from, to),
	})
}

// Render godoc
// @Summary      Render the matte video
// @Description  Composites every frame with cached results and returns a VP9 WebM with alpha
// @Tags         Sessions
// @Produce      video/webm
// @Param        id   path  string  true  "Session ID"
// @Success      200  {file}    binary
// @Failure      404  {object}  dto.ErrorResponse
// @Failure      500  {object}  dto.ErrorResponse
// @Router       /api/v1/sessions/{id}/render [post]
func (handler *Handler) Render(w http.ResponseWriter, r *http.Request) {
	info, ok := handler.authorize(w, r)
	if !ok {
		return
	}
	handler.render(w, r, info.ID, respondError)
}

func (handler *Handler) render(w http.ResponseWriter, r *http.Request, id string, fail func(http.ResponseWriter, int, string, string)) {
	rendering, err := handler.sessionService.Render(r.Context(), id)
	if err != nil {
		status, code := statusFor(err)
		fail(w, status, err.Error(), code)
		return
	}
	defer os.Remove(rendering.Path)

	f, err := os.Open(rendering.Path)
	if err != nil {
		fail(w, http.StatusInternalServerError, fmt.Sprintf("Failed to open rendering: %v", err), service.CodeRenderFailed)
		return
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		fail(w, http.StatusInternalServerError, fmt.Sprintf("Failed to stat rendering: %v", err), service.CodeRenderFailed)
		return
	}

	w.Header().Set("Content-Type", rendering.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="output.webm"`)
	w.Header().Set("X-Rendered-Frames", strconv.Itoa(rendering.Frames))
	w.Header().Set("X-Skipped-Frames", strconv.Itoa(len(rendering.Skipped)))
	http.ServeContent(w, r, filepath.Base(rendering.Path), stat.ModTime(), f)
}

// ListFrames godoc
// @Summary      List the frames of a session
// @Tags         Frames
// @Produce      json
// @Param        id   path      string  true  "Session ID"
// @Success      200  {array}   models.Frame
// @Router       /api/v1/sessions/{id}/frames [get]
func (handler *Handler) ListFrames(w http.ResponseWriter, r *http.Request) {
	info, ok := handler.authorize(w, r)
	if !ok {
		return
	}
	frames, err := handler.sessionService.Frames(info.ID)
	if err != nil {
		handler.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, frames)
}

// ServeFrame godoc
// @Summary      Serve a frame image
// @Tags         Frames
// @Produce      image/jpeg
// @Param        id     path  string  true  "Session ID"
// @Param        index  path  int     true  "0-based frame index"
// @Success      200    {file}    binary
// @Failure      404    {object}  dto.ErrorResponse
// @Router       /api/v1/sessions/{id}/frames/{index} [get]
func (handler *Handler) ServeFrame(w http.ResponseWriter, r *http.Request) {
	info, ok := handler.authorize(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid frame index", "")
		return
	}
	path, err := handler.sessionService.FramePath(info.ID, index)
	if err != nil {
		handler.respondServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "public, max-age=3600") // frames never change
	http.ServeFile(w, r, path)
}

// GetStats godoc
// @Summary      Service statistics
// @Tags         Stats
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/v1/stats [get]
func (handler *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{"service": handler.sessionService.Stats()}
	if handler.webrtcHandler != nil {
		stats["webrtc"] = handler.webrtcHandler.GetSessionStats()
	}
	respondJSON(w, http.StatusOK, stats)
}

// GetHistory godoc
// @Summary      Session audit history of the caller
// @Tags         Sessions
// @Produce      json
// @Success      200  {array}  dto.SessionDTO
// @Router       /api/v1/history [get]
func (handler *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromContext(r.Context())
	if owner == "" {
		owner = r.URL.Query().Get("owner")
	}
	history, err := handler.sessionService.History(r.Context(), owner)
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load history: %v", err), service.CodeInternal)
		return
	}
	if history == nil {
		history = []*dto.SessionDTO{}
	}
	respondJSON(w, http.StatusOK, history)
}

// GetHistoryEntry godoc
// @Summary      Audit row of one session of the caller
// @Tags         Sessions
// @Produce      json
// @Param        id   path      string  true  "Session ID"
// @Success      200  {object}  dto.SessionDTO
// @Failure      404  {object}  dto.ErrorResponse
// @Router       /api/v1/history/{id} [get]
func (handler *Handler) GetHistoryEntry(w http.ResponseWriter, r *http.Request) {
	row, err := handler.sessionService.HistoryEntry(r.Context(), ownerFromContext(r.Context()), r.PathValue("id"))
	if err != nil {
		handler.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, row)
}

// authorize loads the session named in the path and checks that the caller
// owns it. Sessions of other owners are reported as missing.
func (handler *Handler) authorize(w http.ResponseWriter, r *http.Request) (*models.SessionInfo, bool) {
	info, err := handler.sessionService.Session(r.PathValue("id"))
	if err == nil {
		if owner := ownerFromContext(r.Context()); owner != "" && info.Owner != owner {
			err = fmt.Errorf("%w: %s", service.ErrSessionNotFound, info.ID)
		}
	}
	if err != nil {
		handler.respondServiceError(w, err)
		return nil, false
	}
	return info, true
}

func (handler *Handler) respondServiceError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		handler.log.WithError(err).WithField("error_code", code).Error("request failed")
	}
	respondError(w, status, err.Error(), code)
}

// statusFor maps a service error to an HTTP status and its stable code.
func statusFor(err error) (int, string) {
	if errors.Is(err, service.ErrShuttingDown) {
		return http.StatusServiceUnavailable, service.CodeInternal
	}
	code := service.ErrorCode(err)
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return http.StatusRequestEntityTooLarge, code
	}
	switch code {
	case service.CodeSessionNotFound, service.CodeNoResults, service.CodeFrameNotFound:
		return http.StatusNotFound, code
	case service.CodeSessionBusy, service.CodeInvalidSessionState:
		return http.StatusConflict, code
	case service.CodeInvalidAnnotation, service.CodeMalformedEncoding:
		return http.StatusBadRequest, code
	case service.CodeSourceUnavailable, service.CodeExtractionFailed:
		return http.StatusUnprocessableEntity, code
	case service.CodeEngineFailure:
		return http.StatusBadGateway, code
	case service.CodeCancelled:
		return http.StatusRequestTimeout, code
	}
	return http.StatusInternalServerError, code
}

// Helper methods for responses
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message, code string) {
	respondJSON(w, status, dto.ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      status,
		ErrorCode: code,
	})
}
