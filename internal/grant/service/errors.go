package service

import (
	"errors"

	"github.com/aussiebroadwan/grantstore/internal/grant/store"
)

var (
	ErrNotFound      = store.ErrNotFound
	ErrInvalidClient = errors.New("invalid_client")
	ErrInvalidScope  = errors.New("invalid_scope")
	ErrInvalidGrant  = errors.New("invalid_grant")
	ErrExpired       = errors.New("expired_token")
	ErrRevoked       = errors.New("revoked_token")
	ErrExpiredTicket = errors.New("expired_ticket")
)
