package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/auth"
	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/models"
)

type ctxKey struct{}

// Identifier はリクエストから利用者を識別します
// トークンがあれば検証し、認証が任意の設定ではクエリの userId / userName を信用します
type Identifier struct {
	verifier     *auth.Verifier // nil の場合はトークンを検証しない
	authRequired bool
}

func NewIdentifier(verifier *auth.Verifier, authRequired bool) *Identifier {
	return &Identifier{verifier: verifier, authRequired: authRequired}
}

// Identify は利用者を返します。認証が任意の設定では空のユーザーを返すことがあります
func (i *Identifier) Identify(r *http.Request) (models.User, error) {
	if token := auth.TokenFromRequest(r); token != "" && i.verifier != nil {
		return i.verifier.Verify(token)
	}
	if i.authRequired {
		return models.User{}, auth.ErrMissingToken
	}
	q := r.URL.Query()
	return models.User{
		UserId:   normalizeID(q.Get("userId")),
		UserName: strings.TrimSpace(q.Get("userName")),
	}, nil
}

// Middleware は識別できた利用者をコンテキストに入れます。識別できなければ 401 を返します
func (i *Identifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := i.Identify(r)
		if err == nil && user.UserId == "" {
			err = auth.ErrMissingToken
		}
		if err != nil {
			respondError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, user)))
	})
}

// UserFromContext は Middleware が識別した利用者を返します
func UserFromContext(ctx context.Context) (models.User, bool) {
	u, ok := ctx.Value(ctxKey{}).(models.User)
	return u, ok
}
