package service

import (
	"errors"
	"fmt"
)

// エラー種別
// 個別のエラーは fmt.Errorf の %w でいずれかの種別をラップします
var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrNotFound               = errors.New("not found")
	ErrForbidden              = errors.New("forbidden")
	ErrValidation             = errors.New("validation failed")
	ErrConflict               = errors.New("conflict")
)

// カスタムエラー定義
var (
	ErrRoomNotFound               = fmt.Errorf("room %w", ErrNotFound)
	ErrNotRoomOwner               = fmt.Errorf("%w: not room owner", ErrForbidden)
	ErrNotRoomMember              = fmt.Errorf("%w: not a member of this room", ErrForbidden)
	ErrAccessCodeMismatch         = fmt.Errorf("%w: access code does not match", ErrForbidden)
	ErrIdentityMismatch           = fmt.Errorf("%w: userId does not match the authenticated user", ErrForbidden)
	ErrRoomNameRequired           = fmt.Errorf("%w: room name required", ErrValidation)
	ErrRoomNameTooLong            = fmt.Errorf("%w: room name too long", ErrValidation)
	ErrContentRequired            = fmt.Errorf("%w: message content required", ErrValidation)
	ErrContentTooLong             = fmt.Errorf("%w: message content too long", ErrValidation)
	ErrInvalidUTF8                = fmt.Errorf("%w: invalid UTF-8", ErrValidation)
	ErrMalformedAccessCode        = fmt.Errorf("%w: access code must be 6 digits", ErrValidation)
	ErrJoinTargetRequired         = fmt.Errorf("%w: roomId or accessCode required", ErrValidation)
)

// ID の衝突はサーバー内部の問題として扱い、クライアントには INTERNAL で返します
var (
	ErrRoomIDGenerationFailed     = errors.New("failed to generate unique room ID after multiple attempts")
	ErrAccessCodeGenerationFailed = errors.New("failed to generate unique access code after multiple attempts")
)

// Code はエラーをクライアントに返すエラーコードに変換します
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthenticationRequired):
		return "AUTHENTICATION_REQUIRED"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrForbidden):
		return "FORBIDDEN"
	case errors.Is(err, ErrValidation):
		return "VALIDATION"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	default:
		return "INTERNAL"
	}
}

// IsClientError はクライアント起因のエラー（ログ不要）かどうかを返します
func IsClientError(err error) bool {
	return Code(err) != "INTERNAL"
}
