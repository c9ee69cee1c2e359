package app

import "errors"

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionExpired      = errors.New("session expired")
	ErrSessionCompleted    = errors.New("session already completed")
	ErrTargetRequired      = errors.New("target required")
	ErrInvalidTTL          = errors.New("ttl must be positive and within the allowed maximum")
	ErrFilenameRequired    = errors.New("filename required")
	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrFileNotFound        = errors.New("file not found")
	ErrForbidden           = errors.New("forbidden")
)
