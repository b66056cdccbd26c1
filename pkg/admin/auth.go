package admin

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/valyala/fasthttp"
)

var errNoToken = errors.New("missing bearer token")

// authorize validates the HS256 bearer token on an admin request.
func (s *Server) authorize(ctx *fasthttp.RequestCtx) error {
	raw := string(ctx.Request.Header.Peek("Authorization"))
	if raw == "" {
		return errNoToken
	}
	const scheme = "Bearer "
	if len(raw) <= len(scheme) || !strings.EqualFold(raw[:len(scheme)], scheme) {
		return errNoToken
	}
	tokenString := strings.TrimSpace(raw[len(scheme):])

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Pin the method family so an asymmetric alg cannot be swapped in
		// against the HMAC secret.
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return err
	}
	if !token.Valid {
		return errors.New("invalid token")
	}
	return nil
}

func (s *Server) unauthorized(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusUnauthorized)
	ctx.Response.Header.Set("WWW-Authenticate", `Bearer realm="machina", error="invalid_token"`)
	ctx.SetContentType("application/json")
	ctx.SetBodyString(`{"error":"unauthorized","message":"invalid or missing token"}`)
}

// IssueToken mints an HS256 token for admin access. Used by operators and
// tests; the daemon never mints tokens itself.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
