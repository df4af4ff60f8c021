package snapshot

import (
	"encoding/json"
	"time"

	"github.com/rendis/pairvault/pkg/schema"
)

type sessionV1 struct {
	Authenticated bool    `json:"authenticated"`
	AdminKey      *string `json:"adminKey"`
	SessionStart  *int64  `json:"sessionStart"`
	LastActivity  *int64  `json:"lastActivity"`
}

func migrateSessionV1(raw []byte) ([]byte, error) {
	var old sessionV1
	if err := json.Unmarshal(raw, &old); err != nil {
		return nil, err
	}
	s := schema.AdminSession{Authenticated: old.Authenticated}
	if old.AdminKey != nil {
		s.AdminCredentialID = *old.AdminKey
	}
	if old.SessionStart != nil {
		s.SessionStart = fromMillis(*old.SessionStart)
	}
	if old.LastActivity != nil {
		s.LastActivity = fromMillis(*old.LastActivity)
	}
	return json.Marshal(s)
}

type attemptsV1 struct {
	Count       int    `json:"count"`
	LastAttempt *int64 `json:"lastAttempt"`
	LockedUntil *int64 `json:"lockedUntil"`
}

func migrateAttemptsV1(raw []byte) ([]byte, error) {
	var old attemptsV1
	if err := json.Unmarshal(raw, &old); err != nil {
		return nil, err
	}
	a := schema.AuthAttemptCounter{Count: old.Count}
	if old.LastAttempt != nil {
		t := fromMillis(*old.LastAttempt)
		a.LastAttemptAt = &t
	}
	if old.LockedUntil != nil {
		t := fromMillis(*old.LockedUntil)
		a.LockedUntil = &t
	}
	return json.Marshal(a)
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
