package dto

// ErrorResponse is the body of every failed /api/v1 request. ErrorCode is one
// of the stable codes clients switch on.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message,omitempty"`
	Code      int    `json:"code"`
}

type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// HealthResponse reports liveness and whether the engine worker is up.
type HealthResponse struct {
	Status    string `json:"status"`
	Engine    string `json:"engine,omitempty"`
	Sessions  int    `json:"sessions"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}
