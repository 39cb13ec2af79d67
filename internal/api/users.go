package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/CareTriage/internal/models"
	"github.com/BTreeMap/CareTriage/internal/util"
)

// userUpdate carries the editable profile fields. Nil fields are left unchanged.
type userUpdate struct {
	Name         *string   `json:"name"`
	Timezone     *string   `json:"timezone"`
	Phone        *string   `json:"phone"`
	ContactName  *string   `json:"contact_name"`
	ContactPhone *string   `json:"contact_phone"`
	MedicalNotes *string   `json:"medical_notes"`
	Conditions   *[]string `json:"conditions"`
}

func (u userUpdate) applyTo(user *models.User) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}
	set(&user.Name, u.Name)
	set(&user.Timezone, u.Timezone)
	set(&user.Phone, u.Phone)
	set(&user.ContactName, u.ContactName)
	set(&user.ContactPhone, u.ContactPhone)
	set(&user.MedicalNotes, u.MedicalNotes)
	if u.Conditions != nil {
		user.Conditions = *u.Conditions
	}
}

type createUserRequest struct {
	ID string `json:"id"`
	userUpdate
}

// registerDeviceRequest registers the elderly user and their device in one call, on the
// app's first start. Re-registering a known device updates its owner's profile.
type registerDeviceRequest struct {
	DeviceID         string   `json:"device_id"`
	UserID           string   `json:"user_id"`
	OwnerName        string   `json:"owner_name"`
	EmergencyContact string   `json:"emergency_contact"`
	EmergencyPhone   string   `json:"emergency_phone"`
	Phone            string   `json:"phone"`
	Timezone         string   `json:"timezone"`
	MedicalNotes     string   `json:"medical_notes"`
	Conditions       []string `json:"conditions"`
}

// deviceProfile is a device together with its owner's profile.
type deviceProfile struct {
	User   *models.User   `json:"user"`
	Device *models.Device `json:"device"`
}

type createSessionRequest struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

func (s *Server) createUserHandler(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.createUserHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = util.NewID(util.PrefixUser)
	}
	existing, err := s.st.GetUser(r.Context(), id)
	if err != nil {
		writeError(w, "Server.createUserHandler", err)
		return
	}
	if existing != nil {
		writeJSONResponse(w, http.StatusConflict, models.Error("User already exists"))
		return
	}
	user := models.User{ID: id}
	req.applyTo(&user)
	stored, err := s.st.UpsertUser(r.Context(), user)
	if err != nil {
		writeError(w, "Server.createUserHandler", err)
		return
	}
	slog.Info("Server.createUserHandler: user created", "userID", stored.ID)
	writeJSONResponse(w, http.StatusCreated, models.Created(stored))
}

func (s *Server) getUserHandler(w http.ResponseWriter, r *http.Request) {
	user, err := s.st.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "Server.getUserHandler", err)
		return
	}
	if user == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("User not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(user))
}

func (s *Server) updateUserHandler(w http.ResponseWriter, r *http.Request) {
	var req userUpdate
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.updateUserHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	user, err := s.st.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "Server.updateUserHandler", err)
		return
	}
	if user == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("User not found"))
		return
	}
	req.applyTo(user)
	stored, err := s.st.UpsertUser(r.Context(), *user)
	if err != nil {
		writeError(w, "Server.updateUserHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("User updated", stored))
}

func (s *Server) registerDeviceHandler(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.registerDeviceHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		writeError(w, "Server.registerDeviceHandler", models.ErrEmptyDeviceID)
		return
	}
	if strings.TrimSpace(req.EmergencyContact) == "" || strings.TrimSpace(req.EmergencyPhone) == "" {
		writeError(w, "Server.registerDeviceHandler", models.ErrEmptyContactInfo)
		return
	}
	ctx := r.Context()

	device, err := s.st.GetDevice(ctx, req.DeviceID)
	if err != nil {
		writeError(w, "Server.registerDeviceHandler", err)
		return
	}
	userID := strings.TrimSpace(req.UserID)
	switch {
	case device != nil:
		if userID != "" && userID != device.UserID {
			writeError(w, "Server.registerDeviceHandler", models.ErrDeviceNotOwned)
			return
		}
		userID = device.UserID
	case userID == "":
		userID = util.NewID(util.PrefixUser)
	}

	user, err := s.st.GetUser(ctx, userID)
	if err != nil {
		writeError(w, "Server.registerDeviceHandler", err)
		return
	}
	if user == nil {
		user = &models.User{ID: userID}
	}
	userUpdate{
		Name:         nonEmpty(req.OwnerName),
		Timezone:     nonEmpty(req.Timezone),
		Phone:        nonEmpty(req.Phone),
		ContactName:  &req.EmergencyContact,
		ContactPhone: &req.EmergencyPhone,
		MedicalNotes: nonEmpty(req.MedicalNotes),
	}.applyTo(user)
	if req.Conditions != nil {
		user.Conditions = req.Conditions
	}
	stored, err := s.st.UpsertUser(ctx, *user)
	if err != nil {
		writeError(w, "Server.registerDeviceHandler", err)
		return
	}
	if device == nil {
		device, err = s.st.RegisterDevice(ctx, models.Device{ID: req.DeviceID, UserID: stored.ID, CreatedAt: s.opts.Now()})
		if err != nil {
			writeError(w, "Server.registerDeviceHandler", err)
			return
		}
	}
	slog.Info("Server.registerDeviceHandler: device registered", "deviceID", device.ID, "userID", stored.ID)
	writeJSONResponse(w, http.StatusCreated, models.Created(deviceProfile{User: stored, Device: device}))
}

// loadDeviceProfile writes a 404 and returns nil when the device or its owner is missing.
func (s *Server) loadDeviceProfile(w http.ResponseWriter, r *http.Request, op string) *deviceProfile {
	device, err := s.st.GetDevice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, op, err)
		return nil
	}
	if device == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Device not found"))
		return nil
	}
	user, err := s.st.GetUser(r.Context(), device.UserID)
	if err != nil {
		writeError(w, op, err)
		return nil
	}
	if user == nil {
		slog.Error(op+": device without owner", "deviceID", device.ID, "userID", device.UserID)
		writeJSONResponse(w, http.StatusNotFound, models.Error("User not found"))
		return nil
	}
	return &deviceProfile{User: user, Device: device}
}

func (s *Server) getDeviceHandler(w http.ResponseWriter, r *http.Request) {
	if p := s.loadDeviceProfile(w, r, "Server.getDeviceHandler"); p != nil {
		writeJSONResponse(w, http.StatusOK, models.Success(p))
	}
}

// updateDeviceHandler edits the profile of the device's owner, e.g. medical notes entered on
// the device itself.
func (s *Server) updateDeviceHandler(w http.ResponseWriter, r *http.Request) {
	var req userUpdate
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.updateDeviceHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	p := s.loadDeviceProfile(w, r, "Server.updateDeviceHandler")
	if p == nil {
		return
	}
	req.applyTo(p.User)
	stored, err := s.st.UpsertUser(r.Context(), *p.User)
	if err != nil {
		writeError(w, "Server.updateDeviceHandler", err)
		return
	}
	slog.Info("Server.updateDeviceHandler: profile updated", "deviceID", p.Device.ID, "userID", stored.ID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Device updated", deviceProfile{User: stored, Device: p.Device}))
}

func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.createSessionHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, "Server.createSessionHandler", models.ErrEmptyUserID)
		return
	}
	ctx := r.Context()
	user, err := s.st.GetUser(ctx, req.UserID)
	if err != nil {
		writeError(w, "Server.createSessionHandler", err)
		return
	}
	if user == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("User not found"))
		return
	}
	if req.DeviceID != "" {
		device, err := s.st.GetDevice(ctx, req.DeviceID)
		if err != nil {
			writeError(w, "Server.createSessionHandler", err)
			return
		}
		if device == nil {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Device not found"))
			return
		}
		if device.UserID != user.ID {
			writeError(w, "Server.createSessionHandler", models.ErrDeviceNotOwned)
			return
		}
	}

	now := s.opts.Now()
	sess := models.Session{
		ID:             util.NewID(util.PrefixSession),
		UserID:         user.ID,
		DeviceID:       req.DeviceID,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if err := s.st.CreateSession(ctx, sess); err != nil {
		writeError(w, "Server.createSessionHandler", err)
		return
	}
	slog.Debug("Server.createSessionHandler: session created", "sessionID", sess.ID, "userID", user.ID)
	writeJSONResponse(w, http.StatusCreated, models.Created(sess))
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 50, 200)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	sessionID := chi.URLParam(r, "id")
	sess, err := s.st.GetSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, "Server.historyHandler", err)
		return
	}
	if sess == nil {
		writeError(w, "Server.historyHandler", models.ErrInvalidSession)
		return
	}
	msgs, err := s.st.ListMessages(r.Context(), sess.ID, limit)
	if err != nil {
		writeError(w, "Server.historyHandler", err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}

func nonEmpty(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
