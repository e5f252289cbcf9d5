package handlers

import (
	"fmt"

	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/service"
)

// validateRoomId はルームIDのバリデーションを行います
// ルームIDが空の場合はエラーを返します
func validateRoomId(roomId string) error {
	if normalizeID(roomId) == "" {
		return fmt.Errorf("%w: roomId required", service.ErrValidation)
	}
	return nil
}
