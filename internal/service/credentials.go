package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/joshcabana/verity-backend-sub000/internal/model"
	"github.com/joshcabana/verity-backend-sub000/internal/util"
)

var ErrCredentialsUnavailable = errors.New("call credential secret not configured")

// CredentialIssuer signs per-participant tokens for the realtime call
// provider. The provider recomputes the HMAC over channel, user and expiry.
type CredentialIssuer struct {
	secret string
}

func NewCredentialIssuer(secret string) *CredentialIssuer {
	return &CredentialIssuer{secret: secret}
}

func (c *CredentialIssuer) Issue(sessionID, userID string, expiresAt time.Time) (model.CallCredentials, error) {
	if c.secret == "" {
		return model.CallCredentials{}, ErrCredentialsUnavailable
	}
	channel := "session-" + sessionID
	return model.CallCredentials{
		Channel:   channel,
		UserID:    userID,
		Token:     util.HmacSHA256(c.secret, credentialPayload(channel, userID, expiresAt)),
		ExpiresAt: expiresAt,
	}, nil
}

func (c *CredentialIssuer) Verify(creds model.CallCredentials, now time.Time) bool {
	if c.secret == "" || !now.Before(creds.ExpiresAt) {
		return false
	}
	expected := util.HmacSHA256(c.secret, credentialPayload(creds.Channel, creds.UserID, creds.ExpiresAt))
	return util.ConstantTimeEqual(expected, creds.Token)
}

func credentialPayload(channel, userID string, expiresAt time.Time) string {
	return fmt.Sprintf("%s:%s:%d", channel, userID, expiresAt.Unix())
}
