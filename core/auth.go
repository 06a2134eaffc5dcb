package core

import "time"

// Nonce is a single-use challenge bound to a wallet address and session
type Nonce struct {
	Value         string    // Opaque UUIDv4 token
	WalletAddress string    // Checksummed wallet address
	SessionID     string    // Session the challenge was issued for
	Purpose       string    // What the signed challenge authorises
	IssuedAt      time.Time // When the nonce was issued
	ExpiresAt     time.Time // When the nonce stops being consumable
	Consumed      bool      // Set once by a successful consume
}

// Session represents a server-side wallet connection
type Session struct {
	ID             string     `json:"id"`
	WalletAddress  string     `json:"walletAddress"`
	ChainID        int64      `json:"chainId"`
	UserAgent      string     `json:"userAgent,omitempty"`
	IPAddress      string     `json:"ipAddress,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	Verified       bool       `json:"verified"`
	VerifiedAt     *time.Time `json:"verifiedAt,omitempty"`
}

// WalletBinding ties a wallet address to its current session
type WalletBinding struct {
	Address        string    `json:"address"`
	SessionID      string    `json:"sessionId"`
	ChainID        int64     `json:"chainId"`
	UserAgent      string    `json:"userAgent,omitempty"`
	IPAddress      string    `json:"ipAddress,omitempty"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// ConnectionMetadata is the cached projection of a wallet's connection
type ConnectionMetadata struct {
	Address       string    `json:"address"`
	ChainID       int64     `json:"chainId"`
	LastConnected time.Time `json:"lastConnected"`
	SessionID     string    `json:"sessionId"`
	Verified      bool      `json:"verified"`
}

// SessionEventType names a session lifecycle transition
type SessionEventType string

const (
	SessionConnected    SessionEventType = "connected"
	SessionVerified     SessionEventType = "verified"
	SessionDisconnected SessionEventType = "disconnected"
)

// SessionEvent is published on every session lifecycle transition
type SessionEvent struct {
	Type       SessionEventType `json:"type"`
	Address    string           `json:"address"`
	SessionID  string           `json:"sessionId"`
	ChainID    int64            `json:"chainId,omitempty"`
	OccurredAt time.Time        `json:"occurredAt"`
}
