package models

import "time"

// Session is the JSON payload stored under session:{principal}:{jti}.
type Session struct {
	DeviceID      string        `json:"deviceId"`
	UserAgent     string        `json:"userAgent"`
	CreatedAt     time.Time     `json:"createdAt"`
	PrincipalKind PrincipalKind `json:"principalKind"`
	RotatedAt     *time.Time    `json:"rotatedAt,omitempty"`
}

// Device describes the client a session is issued to.
type Device struct {
	ID        string
	UserAgent string
}
