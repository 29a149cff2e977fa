package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rentradar/rentradar/internal/db"
)

// Version is the current API version (can be set via ldflags at build time).
var Version = "0.1.0"

// DBClient is the slice of the database the API handlers use.
type DBClient interface {
	Client() *sql.DB
	CreateUser(ctx context.Context, email, fullName, discordWebhookURL string) (string, error)
	CreateAlert(ctx context.Context, a *db.Alert) (int64, error)
	SetAlertActive(ctx context.Context, alertID int64, active bool) error
	GetAlert(ctx context.Context, alertID int64) (*db.Alert, error)
	RetryFailedNotifications(ctx context.Context) (int64, error)
}

// Handler holds dependencies for API handlers.
type Handler struct {
	DB    DBClient
	Admin *AdminHandler
}

// NewHandler creates an API handler.
func NewHandler(database DBClient, admin *AdminHandler) *Handler {
	return &Handler{DB: database, Admin: admin}
}

// SetupRoutes configures all API routes.
func (h *Handler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.HealthCheck)
	mux.HandleFunc("/health/db", h.DatabaseHealthCheck)

	mux.HandleFunc("/v1/users", h.UsersHandler)
	mux.HandleFunc("/v1/alerts", h.AlertsHandler)
	mux.HandleFunc("/v1/alerts/", h.AlertHandler)

	if h.Admin != nil {
		h.Admin.SetupRoutes(mux)
	}
}

// HealthCheck handles basic health check requests.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	WriteHealthy(w, r, "rentradar", Version)
}

// DatabaseHealthCheck verifies database connectivity.
func (h *Handler) DatabaseHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.DB.Client().PingContext(ctx); err != nil {
		WriteUnhealthy(w, r, "rentradar-db", err)
		return
	}
	WriteHealthy(w, r, "rentradar-db", Version)
}

type createUserRequest struct {
	Email             string `json:"email"`
	FullName          string `json:"full_name,omitempty"`
	DiscordWebhookURL string `json:"discord_webhook_url,omitempty"`
}

// UsersHandler handles POST /v1/users.
func (h *Handler) UsersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid request body")
		return
	}
	if req.Email == "" {
		BadRequest(w, r, "email is required")
		return
	}

	id, err := h.DB.CreateUser(r.Context(), req.Email, req.FullName, req.DiscordWebhookURL)
	if err != nil {
		if errors.Is(err, db.ErrDuplicateEmail) {
			Conflict(w, r, "A user with this email already exists")
			return
		}
		DatabaseError(w, r, err)
		return
	}

	WriteCreated(w, r, map[string]string{"id": id}, "User created")
}

// alertRequest is the inbound alert payload.
type alertRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`

	City      string   `json:"city"`
	Districts []string `json:"districts,omitempty"`

	MinPrice   *float64 `json:"min_price,omitempty"`
	MaxPrice   *float64 `json:"max_price,omitempty"`
	MinFootage *float64 `json:"min_footage,omitempty"`
	MaxFootage *float64 `json:"max_footage,omitempty"`
	MinRooms   *int     `json:"min_rooms,omitempty"`
	MaxRooms   *int     `json:"max_rooms,omitempty"`
	MinFloor   *int     `json:"min_floor,omitempty"`
	MaxFloor   *int     `json:"max_floor,omitempty"`

	Furnished *bool `json:"furnished,omitempty"`
	Elevator  *bool `json:"elevator,omitempty"`
	Pets      *bool `json:"pets,omitempty"`

	BuildingTypes []string `json:"building_types,omitempty"`
	ParkingTypes  []string `json:"parking_types,omitempty"`
	OwnerType     string   `json:"owner_type,omitempty"`
	Keywords      []string `json:"keywords,omitempty"`

	NotifyMethod string `json:"notify_method,omitempty"`
}

// AlertsHandler handles POST /v1/alerts.
func (h *Handler) AlertsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	var req alertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid request body")
		return
	}
	if req.UserID == "" {
		BadRequest(w, r, "user_id is required")
		return
	}
	if req.City == "" {
		BadRequest(w, r, "city is required")
		return
	}
	if req.MinPrice != nil && req.MaxPrice != nil && *req.MinPrice > *req.MaxPrice {
		WriteErrorMessage(w, r, "min_price exceeds max_price", http.StatusBadRequest, ErrCodeValidation)
		return
	}
	if req.MinFloor != nil && req.MaxFloor != nil && *req.MinFloor > *req.MaxFloor {
		WriteErrorMessage(w, r, "min_floor exceeds max_floor", http.StatusBadRequest, ErrCodeValidation)
		return
	}
	switch req.NotifyMethod {
	case "", db.NotifyMethodEmail, db.NotifyMethodDiscord, db.NotifyMethodBoth:
	default:
		WriteErrorMessage(w, r, "notify_method must be email, discord or both", http.StatusBadRequest, ErrCodeValidation)
		return
	}

	alert := &db.Alert{
		UserID:        req.UserID,
		Name:          req.Name,
		Active:        true,
		City:          req.City,
		Districts:     req.Districts,
		MinPrice:      req.MinPrice,
		MaxPrice:      req.MaxPrice,
		MinFootage:    req.MinFootage,
		MaxFootage:    req.MaxFootage,
		MinRooms:      req.MinRooms,
		MaxRooms:      req.MaxRooms,
		MinFloor:      req.MinFloor,
		MaxFloor:      req.MaxFloor,
		Furnished:     req.Furnished,
		Elevator:      req.Elevator,
		Pets:          req.Pets,
		BuildingTypes: req.BuildingTypes,
		ParkingTypes:  req.ParkingTypes,
		OwnerType:     req.OwnerType,
		Keywords:      req.Keywords,
		NotifyMethod:  req.NotifyMethod,
	}

	id, err := h.DB.CreateAlert(r.Context(), alert)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}

	WriteCreated(w, r, map[string]int64{"id": id}, "Alert created")
}

// AlertHandler handles /v1/alerts/{id} and /v1/alerts/{id}/active.
func (h *Handler) AlertHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/alerts/")
	idPart, action, _ := strings.Cut(rest, "/")

	alertID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		BadRequest(w, r, "Invalid alert ID")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		h.getAlert(w, r, alertID)
	case action == "active" && r.Method == http.MethodPut:
		h.setAlertActive(w, r, alertID)
	default:
		MethodNotAllowed(w, r)
	}
}

func (h *Handler) getAlert(w http.ResponseWriter, r *http.Request, alertID int64) {
	alert, err := h.DB.GetAlert(r.Context(), alertID)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	if alert == nil {
		NotFound(w, r, "Alert not found")
		return
	}
	WriteSuccess(w, r, alert, "")
}

type setActiveRequest struct {
	Active bool `json:"active"`
}

func (h *Handler) setAlertActive(w http.ResponseWriter, r *http.Request, alertID int64) {
	var req setActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid request body")
		return
	}

	if err := h.DB.SetAlertActive(r.Context(), alertID, req.Active); err != nil {
		DatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, map[string]bool{"active": req.Active}, "Alert updated")
}
