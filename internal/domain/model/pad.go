package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type SharingPolicy string

const (
	SharingPrivate   SharingPolicy = "private"
	SharingWhitelist SharingPolicy = "whitelist"
	SharingPublic    SharingPolicy = "public"
)

// Scene is the {elements, files, appState} triple constituting what users
// see. appState is keyed by user id; each user owns their slot.
type Scene struct {
	Elements []Element                  `json:"elements"`
	Files    map[string]json.RawMessage `json:"files"`
	AppState map[string]json.RawMessage `json:"appState"`
}

func NewScene() Scene {
	return Scene{
		Elements: []Element{},
		Files:    map[string]json.RawMessage{},
		AppState: map[string]json.RawMessage{},
	}
}

// Normalize replaces nil regions with empty ones so that a scene decoded
// from a sparse JSON document is safe to mutate.
func (s *Scene) Normalize() {
	if s.Elements == nil {
		s.Elements = []Element{}
	}
	if s.Files == nil {
		s.Files = map[string]json.RawMessage{}
	}
	if s.AppState == nil {
		s.AppState = map[string]json.RawMessage{}
	}
}

// Pad is a shared drawing document. WorkerID lives only in the cache: it
// names the process currently reconciling the pad and is never persisted.
type Pad struct {
	ID          uuid.UUID
	OwnerID     uuid.UUID
	DisplayName string
	Sharing     SharingPolicy
	Whitelist   []uuid.UUID
	Scene       Scene
	CreatedAt   time.Time
	UpdatedAt   time.Time
	WorkerID    string
}

// Whitelisted reports membership of userID in the pad's whitelist.
func (p *Pad) Whitelisted(userID uuid.UUID) bool {
	for _, id := range p.Whitelist {
		if id == userID {
			return true
		}
	}
	return false
}

// User carries the identity fields the collaboration core needs: whitelist
// membership and message attribution.
type User struct {
	ID          uuid.UUID
	DisplayName string
	Email       string
	Roles       []string
}

// PresenceEntry is one user's live attachment to a pad.
type PresenceEntry struct {
	UserID      string   `json:"user_id"`
	DisplayName string   `json:"display_name"`
	Connections []string `json:"connections"`
}
