package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func (a *API) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	enrollSecret, err := newAgentSecret()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	server := serverModel{
		ID:      uuid.New(),
		Name:    req.Name,
		Address: strings.TrimSpace(req.Address),
		Status:  serverStatusUnenrolled,
	}
	identity := identityModel{
		ID:           uuid.New(),
		ServerID:     server.ID,
		EnrollSecret: &enrollSecret,
	}

	err = a.store.ORM.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&server).Error; err != nil {
			return err
		}
		return tx.Create(&identity).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			respondError(w, http.StatusConflict, errors.New("server name already exists"))
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	// The enroll token is shown exactly once; only its consumption is
	// persisted.
	respondJSON(w, http.StatusCreated, map[string]any{
		"server":       server.toAPI(),
		"enroll_token": enrollSecret,
	})
}

func (a *API) handleListServers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	var models []serverModel
	if err := a.store.ORM.WithContext(ctx).Order("name asc").Find(&models).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	servers := make([]Server, 0, len(models))
	for _, m := range models {
		servers = append(servers, m.toAPI())
	}
	respondJSON(w, http.StatusOK, map[string]any{"servers": servers})
}

func (a *API) handleGetServer(w http.ResponseWriter, r *http.Request) {
	serverID, err := uuid.Parse(chi.URLParam(r, "serverID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("valid server id is required"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	var model serverModel
	if err := a.store.ORM.WithContext(ctx).First(&model, "id = ?", serverID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, errors.New("server not found"))
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"server": model.toAPI()})
}
