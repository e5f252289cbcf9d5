package service

import (
	"strings"
	"unicode/utf8"

	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/idgen"
)

const (
	MaxRoomNameLength = 100
	MaxMessageLength  = 5000
)

// ValidateRoomName はルーム名を検証し、前後の空白を除いた名前を返します
func ValidateRoomName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrRoomNameRequired
	}
	if !utf8.ValidString(name) {
		return "", ErrInvalidUTF8
	}
	if utf8.RuneCountInString(name) > MaxRoomNameLength {
		return "", ErrRoomNameTooLong
	}
	return name, nil
}

// ValidateMessage はメッセージ本文を検証します
// 本文そのものは加工しません
func ValidateMessage(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrContentRequired
	}
	if !utf8.ValidString(content) {
		return ErrInvalidUTF8
	}
	if utf8.RuneCountInString(content) > MaxMessageLength {
		return ErrContentTooLong
	}
	return nil
}

// ValidateAccessCode は参加コードが6桁の数字かどうかを検証します
func ValidateAccessCode(code string) error {
	if len(code) != idgen.AccessCodeLength {
		return ErrMalformedAccessCode
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return ErrMalformedAccessCode
		}
	}
	return nil
}
