package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/swapchat/internal/database"
	"github.com/npezzotti/swapchat/internal/types"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultExpiration = time.Hour * 24
	TokenCookieName   = "token"
	tokenQueryParam   = "token"

	userIdClaim = "user-id"
	expClaim    = "exp"
)

var (
	ErrMissingToken = errors.New("missing credential")
	ErrInvalidToken = errors.New("invalid credential")
	ErrUnknownUser  = errors.New("unknown user")
)

// Verifier resolves a signed credential to the user it was issued for.
type Verifier interface {
	Verify(ctx context.Context, token string) (types.User, error)
}

type JWTVerifier struct {
	signingKey []byte
	accounts   database.AccountStore
}

func NewJWTVerifier(signingKey []byte, accounts database.AccountStore) *JWTVerifier {
	return &JWTVerifier{
		signingKey: signingKey,
		accounts:   accounts,
	}
}

func (v *JWTVerifier) IssueToken(user types.User, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: user.Id,
		expClaim:    time.Now().Add(exp).Unix(),
	})

	return token.SignedString(v.signingKey)
}

func (v *JWTVerifier) parse(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.signingKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w: invalid token claims", ErrInvalidToken)
	}

	userId, ok := claims[userIdClaim].(string)
	if !ok || userId == "" {
		return "", fmt.Errorf("%w: invalid user id claim", ErrInvalidToken)
	}

	return userId, nil
}

// Verify checks the token signature and expiry and loads the account it names.
func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (types.User, error) {
	if tokenString == "" {
		return types.User{}, ErrMissingToken
	}

	userId, err := v.parse(tokenString)
	if err != nil {
		return types.User{}, err
	}

	account, err := v.accounts.GetAccountById(ctx, userId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return types.User{}, ErrUnknownUser
		}
		return types.User{}, fmt.Errorf("get account: %w", err)
	}

	return types.User{
		Id:           account.Id,
		Username:     account.Username,
		EmailAddress: account.EmailAddress,
		CreatedAt:    account.CreatedAt,
		UpdatedAt:    account.UpdatedAt,
	}, nil
}

// TokenFromRequest returns the credential from the Authorization header,
// the token query parameter or the token cookie, in that order.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}

	if token := r.URL.Query().Get(tokenQueryParam); token != "" {
		return token
	}

	if c, err := r.Cookie(TokenCookieName); err == nil {
		return c.Value
	}

	return ""
}

func NewTokenCookie(tokenString string, exp time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     TokenCookieName,
		Value:    tokenString,
		Path:     "/",
		Expires:  time.Now().Add(exp),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}

func HashPassword(passwd string) (string, error) {
	passwdHash, err := bcrypt.GenerateFromPassword([]byte(passwd), bcrypt.DefaultCost)
	return string(passwdHash), err
}

func VerifyPassword(passwdHash, passwd string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(passwdHash), []byte(passwd))
	return err == nil
}

type contextKey string

const userKey contextKey = "user"

func WithUser(ctx context.Context, user types.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

func UserFromContext(ctx context.Context) (types.User, bool) {
	user, ok := ctx.Value(userKey).(types.User)
	return user, ok
}
