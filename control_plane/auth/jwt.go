package auth

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims extends the standard JWT registered claims with FluxForge specific
// fields. STRICT: Must include Role and TenantID.
type Claims struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

var (
	// STRICT: Enforce 32-byte secret length at startup.
	jwtSecret []byte
	issuer    = "fluxforge"
	audience  = "fluxforge-api"
)

func init() {
	secretEnv := os.Getenv("JWT_SECRET")
	if len(secretEnv) < 32 {
		// STRICT: Panic if secret is weak or missing to prevent insecure startup.
		if secretEnv == "" {
			fmt.Println("WARNING: JWT_SECRET not set. Using insecure default for blocked network dev ONLY.")
			jwtSecret = []byte("insecure_default_secret_for_dev_mode_only_32bytes")
		} else {
			panic("CRITICAL SECURITY ERROR: JWT_SECRET must be at least 32 characters long.")
		}
	} else {
		jwtSecret = []byte(secretEnv)
	}
}

// GenerateToken creates a signed JWT for the given tenant and role.
func GenerateToken(tenantID, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		TenantID: tenantID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

// ValidateToken parses and validates the JWT string.
func ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return jwtSecret, nil
	}, jwt.WithIssuer(issuer), jwt.WithAudience(audience))

	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	return claims, nil
}
