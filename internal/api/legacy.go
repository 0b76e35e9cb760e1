package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"video-segmentation/internal/dto"
	"video-segmentation/internal/models"
	"video-segmentation/internal/service"
	"video-segmentation/internal/stream"
)

// The handlers below keep the request and response shapes of the first
// version of the service so existing browser clients keep working.

func respondLegacyError(w http.ResponseWriter, status int, message, _ string) {
	respondJSON(w, status, dto.LegacyErrorResponse{Detail: message})
}

func (handler *Handler) legacyFail(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		handler.log.WithError(err).WithField("error_code", code).Error("legacy request failed")
	}
	respondLegacyError(w, status, err.Error(), code)
}

// legacySession checks ownership the way authorize does.
func (handler *Handler) legacySession(w http.ResponseWriter, r *http.Request, id string) bool {
	info, err := handler.sessionService.Session(id)
	if err == nil {
		if owner := ownerFromContext(r.Context()); owner != "" && info.Owner != owner {
			err = fmt.Errorf("%w: %s", service.ErrSessionNotFound, id)
		}
	}
	if err != nil {
		handler.legacyFail(w, err)
		return false
	}
	return true
}

// LegacyCreateSession handles POST /create_session/ and always returns the
// frames inline as base64 JPEGs.
func (handler *Handler) LegacyCreateSession(w http.ResponseWriter, r *http.Request) {
	var req dto.CreateSessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		respondLegacyError(w, http.StatusBadRequest, fmt.Sprintf("Failed to parse request: %v", err), "")
		return
	}
	locator := req.S3Link
	if locator == "" {
		locator = req.Source
	}
	if locator == "" {
		respondLegacyError(w, http.StatusBadRequest, "s3_link is required", "")
		return
	}

	info, frames, err := handler.sessionService.CreateSession(r.Context(), service.Source{
		Locator: locator,
		Owner:   ownerFromContext(r.Context()),
	})
	if err != nil {
		handler.legacyFail(w, err)
		return
	}
	encoded, err := inlineFrames(frames)
	if err != nil {
		respondLegacyError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read frames: %v", err), "")
		return
	}
	respondJSON(w, http.StatusOK, dto.CreateSessionResponse{SessionID: info.ID, Frames: encoded})
}

// LegacyAddPoints handles POST /add_new_points/. Earlier clicks on the frame
// are always replaced, as the first version did.
func (handler *Handler) LegacyAddPoints(w http.ResponseWriter, r *http.Request) {
	var req dto.LegacyClickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondLegacyError(w, http.StatusBadRequest, fmt.Sprintf("Failed to parse request: %v", err), "")
		return
	}
	if !handler.legacySession(w, r, req.SessionID) {
		return
	}

	result, err := handler.sessionService.Annotate(r.Context(), req.SessionID, models.Annotation{
		ObjectID:       req.ObjectID,
		FrameIndex:     req.FrameIndex,
		Points:         req.Points,
		Labels:         req.Labels,
		ClearOldPoints: true,
		ResetObject:    req.ResetState,
	})
	if err != nil {
		handler.legacyFail(w, err)
		return
	}

	masks := make([]dto.LegacyRLEMask, 0, len(result.Results))
	for _, m := range result.Results {
		masks = append(masks, dto.LegacyRLEMask{ObjectID: m.ObjectID, RLEMask: m.Mask})
	}
	respondJSON(w, http.StatusOK, dto.LegacyAddPointsResponse{
		AddPoints: dto.LegacyAddPoints{FrameIndex: result.FrameIndex, RLEMaskList: masks},
	})
}

// LegacyPropagate handles POST /propagate_in_video with the
// frameseparator framing. The stream holds frames and carries no completion
// message. An engine failure ends it with an error frame.
func (handler *Handler) LegacyPropagate(w http.ResponseWriter, r *http.Request) {
	var req dto.LegacyPropagateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondLegacyError(w, http.StatusBadRequest, fmt.Sprintf("Failed to parse request: %v", err), "")
		return
	}
	if !handler.legacySession(w, r, req.SessionID) {
		return
	}
	handler.propagate(w, r, req.SessionID, stream.JSON, false, respondLegacyError)
}

// LegacyGenerateVideo handles POST /generate_video. The effect field is
// accepted and ignored.
func (handler *Handler) LegacyGenerateVideo(w http.ResponseWriter, r *http.Request) {
	var req dto.LegacyGenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondLegacyError(w, http.StatusBadRequest, fmt.Sprintf("Failed to parse request: %v", err), "")
		return
	}
	if !handler.legacySession(w, r, req.SessionID) {
		return
	}
	handler.render(w, r, req.SessionID, respondLegacyError)
}

// LegacyMasks handles GET /masks/{id}.
func (handler *Handler) LegacyMasks(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !handler.legacySession(w, r, id) {
		return
	}
	results, err := handler.sessionService.GetResults(id)
	if err != nil {
		handler.legacyFail(w, err)
		return
	}
	frames := make(map[int][]models.ObjectMask, len(results.Frames))
	for _, f := range results.Frames {
		frames[f.FrameIndex] = f.Results
	}
	respondJSON(w, http.StatusOK, dto.LegacyMasksResponse{SessionID: id, Frames: frames})
}

// LegacyDeleteSession handles DELETE /delete_session/{id}.
func (handler *Handler) LegacyDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !handler.legacySession(w, r, id) {
		return
	}
	if err := handler.sessionService.DeleteSession(r.Context(), id); err != nil {
		handler.legacyFail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "Session deleted successfully."})
}
