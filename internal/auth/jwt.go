// Package auth はWebSocketハンドシェイクおよびREST APIで使うBearerトークンを検証します
// トークンの発行は外部の認証サービスが担当します（IssueToken は開発用）
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Claims はトークンに含まれるユーザー情報
type Claims struct {
	UserId   string `json:"userId"`
	UserName string `json:"username"`
	jwt.RegisteredClaims
}

// Verifier はHS256で署名されたトークンを検証します
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier は新しいVerifierを作成します
// issuer が空の場合は iss を検証しません
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Verify はトークンを検証し、ユーザー情報を返します
func (v *Verifier) Verify(tokenString string) (models.User, error) {
	if tokenString == "" {
		return models.User{}, ErrMissingToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return models.User{}, ErrExpiredToken
		}
		return models.User{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return models.User{}, ErrInvalidToken
	}
	userId := strings.TrimSpace(claims.UserId)
	if userId == "" {
		userId = strings.TrimSpace(claims.Subject)
	}
	if userId == "" {
		return models.User{}, ErrInvalidToken
	}
	return models.User{UserId: userId, UserName: claims.UserName}, nil
}

// IssueToken はユーザーのトークンを発行します
func (v *Verifier) IssueToken(user models.User, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		UserId:   user.UserId,
		UserName: user.UserName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   user.UserId,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// TokenFromRequest は Authorization ヘッダーまたは token クエリからトークンを取り出します
// ブラウザのWebSocketはヘッダーを付けられないためクエリも受け付けます
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
