package service

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"

	apperrors "github.com/joshcabana/verity-backend-sub000/internal/errors"
)

const (
	queueKeyLength     = 24
	maxPreferenceKeys  = 32
	maxPreferenceBytes = 2048
)

var locationPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

type JoinRequest struct {
	Region      string         `json:"region"`
	City        string         `json:"city,omitempty"`
	Preferences map[string]any `json:"preferences,omitempty"`
}

// Location is the partition the request belongs to: the region, or the
// city when no region is given.
func (r JoinRequest) Location() string {
	if region := normalizeLocation(r.Region); region != "" {
		return region
	}
	return normalizeLocation(r.City)
}

func normalizeLocation(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// DeriveQueueKey fingerprints location and preferences. encoding/json
// writes map keys in sorted order at every depth, so equal preferences
// produce the same key regardless of field order.
func DeriveQueueKey(req JoinRequest) (string, error) {
	location := req.Location()
	if location == "" {
		return "", apperrors.MissingRequired("region")
	}
	if !locationPattern.MatchString(location) {
		return "", apperrors.InvalidInput("region", "must be 1-64 lowercase letters, digits, '-' or '_'")
	}
	if len(req.Preferences) > maxPreferenceKeys {
		return "", apperrors.InvalidInput("preferences", "too many fields")
	}

	prefs := req.Preferences
	if prefs == nil {
		prefs = map[string]any{}
	}
	canonical, err := json.Marshal(struct {
		Location    string         `json:"l"`
		Preferences map[string]any `json:"p"`
	}{location, prefs})
	if err != nil {
		return "", apperrors.InvalidInput("preferences", "must be JSON-serializable")
	}
	if len(canonical) > maxPreferenceBytes {
		return "", apperrors.InvalidInput("preferences", "too large")
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:queueKeyLength], nil
}
