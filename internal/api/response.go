package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// SuccessResponse is the standard success envelope.
type SuccessResponse struct {
	Status    string      `json:"status"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, r *http.Request, data interface{}, status int) {
	requestID := GetRequestID(r)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("Failed to encode JSON response")
	}
}

// WriteSuccess writes a standard success response.
func WriteSuccess(w http.ResponseWriter, r *http.Request, data interface{}, message string) {
	response := SuccessResponse{
		Status:    "success",
		Data:      data,
		Message:   message,
		RequestID: GetRequestID(r),
	}
	WriteJSON(w, r, response, http.StatusOK)
}

// WriteCreated writes a success response for created resources.
func WriteCreated(w http.ResponseWriter, r *http.Request, data interface{}, message string) {
	response := SuccessResponse{
		Status:    "success",
		Data:      data,
		Message:   message,
		RequestID: GetRequestID(r),
	}
	WriteJSON(w, r, response, http.StatusCreated)
}

// WriteAccepted writes a success response for work started in the
// background.
func WriteAccepted(w http.ResponseWriter, r *http.Request, message string) {
	response := SuccessResponse{
		Status:    "accepted",
		Message:   message,
		RequestID: GetRequestID(r),
	}
	WriteJSON(w, r, response, http.StatusAccepted)
}

// HealthResponse is the health check payload.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Service   string `json:"service"`
	Version   string `json:"version,omitempty"`
}

// WriteHealthy writes a healthy health check response.
func WriteHealthy(w http.ResponseWriter, r *http.Request, service string, version string) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
		Service:   service,
		Version:   version,
	}
	WriteJSON(w, r, response, http.StatusOK)
}

// WriteUnhealthy writes an unhealthy health check response.
func WriteUnhealthy(w http.ResponseWriter, r *http.Request, service string, err error) {
	response := map[string]interface{}{
		"status":     "unhealthy",
		"timestamp":  time.Now().Format(time.RFC3339),
		"service":    service,
		"error":      err.Error(),
		"request_id": GetRequestID(r),
	}
	WriteJSON(w, r, response, http.StatusServiceUnavailable)
}
