package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/radon-monitor/internal/account"
	"procodus.dev/radon-monitor/internal/auth"
	"procodus.dev/radon-monitor/internal/sensor"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Access string `json:"access"`
}

type userResponse struct {
	Email string `json:"email"`
	ID    uint   `json:"id"`
}

type profileResponse struct {
	Email             string `json:"email"`
	Address           string `json:"address"`
	Phone             string `json:"phone"`
	AlertEmailEnabled bool   `json:"alert_email_enabled"`
}

type profileRequest struct {
	Address           *string `json:"address"`
	Phone             *string `json:"phone"`
	AlertEmailEnabled *bool   `json:"alert_email_enabled"`
}

type passwordChangeRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

type addDeviceRequest struct {
	SerialNumber string `json:"serial_number"`
}

type deviceResponse struct {
	DateCreated  time.Time `json:"date_created"`
	DateUpdated  time.Time `json:"date_updated"`
	SerialNumber string    `json:"serial_number"`
	Users        []uint    `json:"users"`
	ID           uint      `json:"id"`
}

func toDeviceResponse(d *account.OwnedDevice) deviceResponse {
	users := d.UserIDs
	if users == nil {
		users = []uint{}
	}
	return deviceResponse{
		ID:           d.ID,
		SerialNumber: d.SerialNumber,
		DateCreated:  d.CreatedAt,
		DateUpdated:  d.UpdatedAt,
		Users:        users,
	}
}

func toProfileResponse(p *account.ProfileView) profileResponse {
	return profileResponse{
		Email:             p.Email,
		Address:           p.Address,
		Phone:             p.Phone,
		AlertEmailEnabled: p.AlertEmailEnabled,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleIngest feeds a collector uplink into the pipeline.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.ingestM != nil {
		timer := prometheus.NewTimer(s.ingestM.ProcessingDuration.WithLabelValues("http"))
		defer timer.ObserveDuration()
	}

	body, err := readBody(r)
	if err != nil {
		s.observeIngest("invalid")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	msg, err := sensor.DecodeRawMessage(body)
	if err == nil {
		_, err = s.ingester.Process(r.Context(), msg)
	}

	switch {
	case err == nil:
		s.observeIngest("success")
		writeDetail(w, http.StatusCreated, "Reading stored.")
	case sensor.IsValidationError(err):
		s.observeIngest("invalid")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		s.observeIngest("error")
		s.logger.Error("failed to ingest reading", "error", err)
		writeDetail(w, http.StatusInternalServerError, "A server error occurred.")
	}
}

func (s *Server) observeIngest(result string) {
	if s.ingestM != nil {
		s.ingestM.MessagesTotal.WithLabelValues("http", result).Inc()
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := s.accounts.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeAccountError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, userResponse{ID: user.ID, Email: user.Email})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := s.accounts.Authenticate(r.Context(), req.Email, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeDetail(w, http.StatusUnauthorized, "No active account found with the given credentials")
		return
	}
	if err != nil {
		s.writeAccountError(w, err)
		return
	}

	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		s.writeAccountError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{Access: token})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	profile, err := s.accounts.Profile(r.Context(), userID)
	if err != nil {
		s.writeAccountError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toProfileResponse(profile))
}

// handleUpdateProfile serves PUT and PATCH alike; omitted fields keep their
// current value.
func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	var req profileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Address != nil {
		if inputErr := account.CheckField("address", *req.Address, account.MaxAddressLength); inputErr != nil {
			writeInputError(w, inputErr)
			return
		}
	}
	if req.Phone != nil {
		if inputErr := account.CheckField("phone", *req.Phone, account.MaxPhoneLength); inputErr != nil {
			writeInputError(w, inputErr)
			return
		}
	}

	profile, err := s.accounts.UpdateProfile(r.Context(), userID, account.ProfileUpdate{
		Address:           req.Address,
		Phone:             req.Phone,
		AlertEmailEnabled: req.AlertEmailEnabled,
	})
	if err != nil {
		s.writeAccountError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toProfileResponse(profile))
}

func (s *Server) handlePasswordChange(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	var req passwordChangeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	err := s.accounts.ChangePassword(r.Context(), userID, req.OldPassword, req.NewPassword)
	if errors.Is(err, account.ErrWrongPassword) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"old_password": "Wrong password."})
		return
	}
	if err != nil {
		s.writeAccountError(w, err)
		return
	}

	writeDetail(w, http.StatusOK, "Password updated successfully.")
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	devices, err := s.accounts.Devices(r.Context(), userID)
	if err != nil {
		s.writeAccountError(w, err)
		return
	}

	resp := make([]deviceResponse, 0, len(devices))
	for i := range devices {
		resp = append(resp, toDeviceResponse(&devices[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAddDevice(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	var req addDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	device, err := s.accounts.AddDevice(r.Context(), userID, req.SerialNumber)
	var inputErr *account.InputError
	switch {
	case errors.As(err, &inputErr):
		// Single message rather than a list for this field.
		writeJSON(w, http.StatusBadRequest, map[string]string{inputErr.Field: inputErr.Message})
	case errors.Is(err, account.ErrDeviceAlreadyAdded):
		writeDetail(w, http.StatusBadRequest, "Device already added.")
	case err != nil:
		s.writeAccountError(w, err)
	default:
		writeJSON(w, http.StatusCreated, toDeviceResponse(device))
	}
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	deviceID, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeDetail(w, http.StatusNotFound, "Device not found.")
		return
	}

	device, err := s.accounts.Device(r.Context(), userID, uint(deviceID))
	if errors.Is(err, account.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, "Device not found.")
		return
	}
	if err != nil {
		s.writeAccountError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toDeviceResponse(device))
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	dashboard, err := s.accounts.Dashboard(r.Context(), userID, mux.Vars(r)["serial"])
	if errors.Is(err, account.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, "Device not found.")
		return
	}
	if err != nil {
		s.writeAccountError(w, err)
		return
	}

	if s.metrics != nil {
		s.metrics.DashboardReadings.Observe(float64(len(dashboard.Trend)))
	}
	writeJSON(w, http.StatusOK, dashboard)
}

// writeAccountError maps account errors onto API responses.
func (s *Server) writeAccountError(w http.ResponseWriter, err error) {
	var inputErr *account.InputError
	switch {
	case errors.As(err, &inputErr):
		writeInputError(w, inputErr)
	case errors.Is(err, account.ErrEmailTaken):
		writeJSON(w, http.StatusBadRequest, map[string][]string{"email": {"user with this email already exists."}})
	case errors.Is(err, account.ErrNotFound):
		writeDetail(w, http.StatusNotFound, "Not found.")
	default:
		s.logger.Error("request failed", "error", err)
		writeDetail(w, http.StatusInternalServerError, "A server error occurred.")
	}
}
