package handler

import (
	"crypto/rsa"
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"settlement/internal/config"
	"settlement/internal/service"
	"settlement/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	ctxCaller             = "caller"
	headerSchedulerToken  = "X-Scheduler-Token"
	errMissingBearerToken = "missing bearer token"
)

var errNoVerificationKey = errors.New("auth: jwt_secret or jwt_public_key_file must be set")

// Claims carried by API tokens. The subject is the numeric user id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies bearer tokens signed with HS256 or RS256.
type Authenticator struct {
	secret    []byte
	publicKey *rsa.PublicKey
	issuer    string
	methods   []string
}

func NewAuthenticator(cfg config.AuthConfig) (*Authenticator, error) {
	a := &Authenticator{issuer: cfg.Issuer}
	if cfg.JWTSecret != "" {
		a.secret = []byte(cfg.JWTSecret)
		a.methods = append(a.methods, jwt.SigningMethodHS256.Alg())
	}
	if cfg.JWTPublicKeyFile != "" {
		pem, err := os.ReadFile(cfg.JWTPublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read jwt public key: %w", err)
		}
		key, err := jwt.ParseRSAPublicKeyFromPEM(pem)
		if err != nil {
			return nil, fmt.Errorf("parse jwt public key: %w", err)
		}
		a.publicKey = key
		a.methods = append(a.methods, jwt.SigningMethodRS256.Alg())
	}
	if len(a.methods) == 0 {
		return nil, errNoVerificationKey
	}
	return a, nil
}

func (a *Authenticator) key(t *jwt.Token) (interface{}, error) {
	switch t.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if a.secret != nil {
			return a.secret, nil
		}
	case *jwt.SigningMethodRSA:
		if a.publicKey != nil {
			return a.publicKey, nil
		}
	}
	return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
}

// Verify parses a token and returns the caller it identifies.
func (a *Authenticator) Verify(raw string) (service.Caller, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods(a.methods), jwt.WithExpirationRequired()}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(raw, claims, a.key, opts...); err != nil {
		return service.Caller{}, err
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return service.Caller{}, errors.New("subject is not a user id")
	}
	switch claims.Role {
	case service.RoleBuyer, service.RoleVendor, service.RoleAdmin:
	default:
		return service.Caller{}, fmt.Errorf("unknown role %q", claims.Role)
	}
	return service.Caller{ID: id, Role: claims.Role}, nil
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// AuthMiddleware 鉴权中间件，可限定角色
func AuthMiddleware(a *Authenticator, roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			response.Unauthorized(c, errMissingBearerToken)
			return
		}
		caller, err := a.Verify(raw)
		if err != nil {
			response.Unauthorized(c, "invalid token: "+err.Error())
			return
		}
		if len(roles) > 0 && !hasRole(caller.Role, roles) {
			response.Forbidden(c, "role "+caller.Role+" may not call this endpoint")
			return
		}
		c.Set(ctxCaller, caller)
		c.Next()
	}
}

// SchedulerMiddleware admits a matching X-Scheduler-Token, or an admin token.
func SchedulerMiddleware(token string, a *Authenticator) gin.HandlerFunc {
	admin := AuthMiddleware(a, service.RoleAdmin)
	return func(c *gin.Context) {
		got := c.GetHeader(headerSchedulerToken)
		if token != "" && got != "" {
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1 {
				c.Next()
				return
			}
			response.Unauthorized(c, "invalid scheduler token")
			return
		}
		admin(c)
	}
}

func hasRole(role string, allowed []string) bool {
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

func callerFrom(c *gin.Context) service.Caller {
	if v, ok := c.Get(ctxCaller); ok {
		if caller, ok := v.(service.Caller); ok {
			return caller
		}
	}
	return service.Caller{}
}
