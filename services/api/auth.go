package api

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const agentTokenHeader = "X-Agent-Token"

func newAgentSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// authenticateAgent verifies the presented token against the server's stored
// identity and stamps last_seen_at. Every agent request path goes through
// here, so the liveness signal needs no extra heartbeat endpoint.
func (a *API) authenticateAgent(ctx context.Context, serverID uuid.UUID, token string) (identityModel, error) {
	if token == "" {
		return identityModel{}, errUnauthorized
	}

	var identity identityModel
	err := a.store.ORM.WithContext(ctx).First(&identity, "server_id = ?", serverID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return identityModel{}, errUnauthorized
		}
		return identityModel{}, err
	}
	if identity.SecretHash == "" {
		return identityModel{}, errUnauthorized
	}

	presented := hashSecret(token)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(identity.SecretHash)) != 1 {
		return identityModel{}, errUnauthorized
	}

	now := time.Now().UTC()
	if err := a.store.ORM.WithContext(ctx).Model(&identityModel{}).
		Where("id = ?", identity.ID).
		Update("last_seen_at", now).Error; err != nil {
		a.logf("last_seen update for identity %s failed: %v", identity.ID, err)
	}
	identity.LastSeenAt = &now

	return identity, nil
}
