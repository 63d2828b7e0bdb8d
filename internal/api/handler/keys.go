package handler

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/conductor/internal/api/response"
	"github.com/kiranshivaraju/conductor/internal/store"
	"github.com/kiranshivaraju/conductor/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const keyPrefixLen = 8

// Keys serves the admin API key management endpoints.
type Keys struct {
	store store.Store
}

func NewKeys(s store.Store) *Keys {
	return &Keys{store: s}
}

type createKeyRequest struct {
	Kind    models.APIKeyKind `json:"kind"`
	Subject string            `json:"subject"`
	Name    string            `json:"name"`
	Scopes  []string          `json:"scopes"`
}

type createKeyResponse struct {
	ID  uuid.UUID `json:"id"`
	Key string    `json:"key"`
}

// Create mints a new API key. The raw key is returned exactly once; only its
// bcrypt hash is stored.
func (h *Keys) Create(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be valid JSON", "")
		return
	}
	if req.Subject == "" {
		response.Error(w, http.StatusBadRequest, "VERIFICATION_FAILED", "A subject is required", "subject")
		return
	}
	if req.Kind != models.APIKeyKindUser && req.Kind != models.APIKeyKindProvider {
		response.Error(w, http.StatusBadRequest, "VERIFICATION_FAILED", "Kind must be user or provider", "kind")
		return
	}

	rawKey, err := generateKey()
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to generate key", "")
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to hash key", "")
		return
	}

	now := time.Now().UTC()
	key := &models.APIKey{
		ID:        uuid.New(),
		Kind:      req.Kind,
		Subject:   req.Subject,
		Name:      req.Name,
		KeyHash:   string(hash),
		KeyPrefix: rawKey[:keyPrefixLen],
		Scopes:    req.Scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateAPIKey(r.Context(), key); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			response.Error(w, http.StatusConflict, "DUPLICATE", "An API key with this id already exists", "")
			return
		}
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to store key", "")
		return
	}
	response.Created(w, createKeyResponse{ID: key.ID, Key: rawKey})
}

func (h *Keys) Revoke(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "keyID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_ID", "Invalid key id", "")
		return
	}
	if err := h.store.RevokeAPIKey(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "API key not found", "")
			return
		}
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to revoke key", "")
		return
	}
	response.NoContent(w)
}

func generateKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("cdk_%s", hex.EncodeToString(buf)), nil
}
