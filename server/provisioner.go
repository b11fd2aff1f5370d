package server

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v4"
)

// RoomInfo is the conferencing provider's answer to a provisioning request:
// where the media room lives and the credential to enter it. The relay never
// touches the media path itself.
type RoomInfo struct {
	RoomURL string
	Token   string
}

// RoomProvisioner abstracts the external conferencing provider. Provision is
// called asynchronously by the call state machine; its completion has no
// guaranteed ordering relative to accept/decline.
type RoomProvisioner interface {
	Provision(ctx context.Context, callID uuid.UUID, roomName string, userID uuid.UUID, username string) (*RoomInfo, error)
}

// ConferenceProvisioner provisions rooms against a self-hosted Jitsi-style
// conferencing deployment: rooms are created lazily on first join, so
// provisioning amounts to minting a signed room token and deriving the
// room URL.
type ConferenceProvisioner struct {
	baseURL     string
	signingKey  []byte
	tokenExpiry time.Duration
}

func NewConferenceProvisioner(config *Config) *ConferenceProvisioner {
	return &ConferenceProvisioner{
		baseURL:     config.Call.RoomBaseURL,
		signingKey:  []byte(config.Call.TokenKey),
		tokenExpiry: time.Duration(config.Call.TokenExpirySec) * time.Second,
	}
}

func (p *ConferenceProvisioner) Provision(ctx context.Context, callID uuid.UUID, roomName string, userID uuid.UUID, username string) (*RoomInfo, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"room": roomName,
		"call": callID.String(),
		"sub":  userID.String(),
		"name": username,
		"iat":  now.Unix(),
		"exp":  now.Add(p.tokenExpiry).Unix(),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.signingKey)
	if err != nil {
		return nil, fmt.Errorf("could not sign room token: %w", err)
	}

	return &RoomInfo{
		RoomURL: fmt.Sprintf("%s/%s", p.baseURL, roomName),
		Token:   token,
	}, nil
}
