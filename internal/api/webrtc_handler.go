package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/pion/webrtc/v3"

	"video-segmentation/internal/dto"
	"video-segmentation/internal/stream"
	webrtcHandler "video-segmentation/internal/webrtc"
)

// StartWebRTCStream godoc
// @Summary      Start a WebRTC propagation stream
// @Description  Answers the client offer. The server opens a "propagation" data channel and streams frame results over it; format selects json or msgpack messages
// @Tags         WebRTC
// @Accept       json
// @Produce      json
// @Param        offer  body      dto.WebRTCOfferRequest  true  "Offer with session_id and SDP"
// @Success      200    {object}  object  "WebRTC answer with SDP"
// @Failure      400    {object}  dto.ErrorResponse
// @Failure      404    {object}  dto.ErrorResponse
// @Router       /api/v1/webrtc/offer [post]
func (handler *Handler) StartWebRTCStream(w http.ResponseWriter, r *http.Request) {
	var offer struct {
		dto.WebRTCOfferRequest
		Format    string `json:"format"`
		AutoStart bool   `json:"autostart"`
	}
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Failed to parse offer: %v", err), "")
		return
	}
	if offer.SessionID == "" {
		respondError(w, http.StatusBadRequest, "session_id is required", "")
		return
	}
	if offer.SDP == "" {
		respondError(w, http.StatusBadRequest, "sdp is required", "")
		return
	}
	r.SetPathValue("id", offer.SessionID)
	if _, ok := handler.authorize(w, r); !ok {
		return
	}

	format := stream.JSON
	if offer.Format == "msgpack" {
		format = stream.Msgpack
	}

	handler.log.WithField("session_id", offer.SessionID).Info("received WebRTC offer")
	answerSDP, err := handler.webrtcHandler.HandleOffer(r.Context(), offer.SessionID, offer.SDP, format, offer.AutoStart)
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to handle offer: %v", err), "")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": offer.SessionID,
		"sdp":        answerSDP,
		"type":       "answer",
	})
}

// HandleICECandidate godoc
// @Summary      Add a trickled ICE candidate
// @Tags         WebRTC
// @Accept       json
// @Produce      json
// @Success      200  {object}  dto.SuccessResponse
// @Failure      404  {object}  dto.ErrorResponse
// @Router       /api/v1/webrtc/candidate [post]
func (handler *Handler) HandleICECandidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string                  `json:"session_id"`
		Candidate webrtc.ICECandidateInit `json:"candidate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Failed to parse candidate: %v", err), "")
		return
	}
	if req.SessionID == "" {
		respondError(w, http.StatusBadRequest, "session_id is required", "")
		return
	}
	r.SetPathValue("id", req.SessionID)
	if _, ok := handler.authorize(w, r); !ok {
		return
	}

	if err := handler.webrtcHandler.HandleICECandidate(req.SessionID, req.Candidate); err != nil {
		respondWebRTCError(w, err, "Failed to add ICE candidate")
		return
	}
	respondJSON(w, http.StatusOK, dto.SuccessResponse{Message: "ICE candidate added successfully"})
}

// CloseWebRTCStream godoc
// @Summary      Close the WebRTC stream of a session
// @Tags         WebRTC
// @Produce      json
// @Param        id   path      string  true  "Session ID"
// @Success      200  {object}  dto.SuccessResponse
// @Failure      404  {object}  dto.ErrorResponse
// @Router       /api/v1/webrtc/{id}/close [post]
func (handler *Handler) CloseWebRTCStream(w http.ResponseWriter, r *http.Request) {
	info, ok := handler.authorize(w, r)
	if !ok {
		return
	}
	if err := handler.webrtcHandler.CloseSession(info.ID); err != nil {
		respondWebRTCError(w, err, "Failed to close stream")
		return
	}
	respondJSON(w, http.StatusOK, dto.SuccessResponse{Message: "WebRTC stream closed successfully"})
}

// GetWebRTCStats godoc
// @Summary      WebRTC peer statistics
// @Tags         WebRTC
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/v1/webrtc/stats [get]
func (handler *Handler) GetWebRTCStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, handler.webrtcHandler.GetSessionStats())
}

func respondWebRTCError(w http.ResponseWriter, err error, message string) {
	status := http.StatusInternalServerError
	if errors.Is(err, webrtcHandler.ErrPeerNotFound) {
		status = http.StatusNotFound
	}
	respondError(w, status, fmt.Sprintf("%s: %v", message, err), "")
}
