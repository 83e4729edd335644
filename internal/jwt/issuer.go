package jwt

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Usos declarados en el claim token_use. Un access token jamás pasa por el
// endpoint de refresh ni viceversa.
const (
	UseAccess  = "access"
	UseRefresh = "refresh"
)

var (
	ErrInvalidToken = errors.New("jwt: invalid token")
	ErrWrongUse     = errors.New("jwt: token_use mismatch")
)

// SessionClaims son los claims de los tokens de sesión del dashboard.
type SessionClaims struct {
	Username    string `json:"username,omitempty"`
	Role        string `json:"role,omitempty"`
	TokenUse    string `json:"token_use"`
	FamilyID    string `json:"fid,omitempty"` // linaje de refresh tokens
	Fingerprint string `json:"fp,omitempty"`  // binding UA+IP (solo refresh)
	jwtv5.RegisteredClaims
}

// Issuer firma y valida los tokens de sesión con la clave Ed25519 activa.
type Issuer struct {
	Iss        string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	key *signingKey
}

// NewIssuer carga (o genera) la clave de firma y arma el issuer.
func NewIssuer(iss, keyPath string, sealer Sealer, accessTTL, refreshTTL time.Duration) (*Issuer, error) {
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	if refreshTTL <= 0 {
		refreshTTL = 7 * 24 * time.Hour
	}
	key, err := loadOrGenerateKey(keyPath, sealer)
	if err != nil {
		return nil, err
	}
	return &Issuer{Iss: iss, AccessTTL: accessTTL, RefreshTTL: refreshTTL, key: key}, nil
}

// IssuedPair es el resultado de emitir una sesión: access + refresh.
type IssuedPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	RefreshJTI       string
	FamilyID         string
}

// IssueSession emite el par access/refresh para un usuario. familyID vacío
// arranca una familia nueva (login); no vacío continúa la familia (rotación
// de refresh).
func (i *Issuer) IssueSession(userID, username, role, fingerprint, familyID string) (*IssuedPair, error) {
	now := time.Now().UTC()
	if familyID == "" {
		familyID = uuid.NewString()
	}

	access, accessExp, err := i.sign(SessionClaims{
		Username: username,
		Role:     role,
		TokenUse: UseAccess,
		FamilyID: familyID,
		RegisteredClaims: jwtv5.RegisteredClaims{
			Issuer:    i.Iss,
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwtv5.NewNumericDate(now),
			NotBefore: jwtv5.NewNumericDate(now),
			ExpiresAt: jwtv5.NewNumericDate(now.Add(i.AccessTTL)),
		},
	})
	if err != nil {
		return nil, err
	}

	refreshJTI := uuid.NewString()
	refresh, refreshExp, err := i.sign(SessionClaims{
		TokenUse:    UseRefresh,
		FamilyID:    familyID,
		Fingerprint: fingerprint,
		RegisteredClaims: jwtv5.RegisteredClaims{
			Issuer:    i.Iss,
			Subject:   userID,
			ID:        refreshJTI,
			IssuedAt:  jwtv5.NewNumericDate(now),
			NotBefore: jwtv5.NewNumericDate(now),
			ExpiresAt: jwtv5.NewNumericDate(now.Add(i.RefreshTTL)),
		},
	})
	if err != nil {
		return nil, err
	}

	return &IssuedPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
		RefreshJTI:       refreshJTI,
		FamilyID:         familyID,
	}, nil
}

func (i *Issuer) sign(claims SessionClaims) (string, time.Time, error) {
	tk := jwtv5.NewWithClaims(jwtv5.SigningMethodEdDSA, claims)
	tk.Header["kid"] = i.key.KID
	tk.Header["typ"] = "JWT"
	signed, err := tk.SignedString(i.key.Priv)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, claims.ExpiresAt.Time, nil
}

// Parse valida firma, iss, exp/nbf y token_use. La unicidad del jti y la
// blacklist son responsabilidad del session service: acá solo criptografía
// y claims.
func (i *Issuer) Parse(token, expectedUse string) (*SessionClaims, error) {
	var claims SessionClaims
	tok, err := jwtv5.ParseWithClaims(token, &claims, func(t *jwtv5.Token) (any, error) {
		return ed25519.PublicKey(i.key.Pub), nil
	},
		jwtv5.WithValidMethods([]string{"EdDSA"}),
		jwtv5.WithIssuer(i.Iss),
		jwtv5.WithLeeway(30*time.Second),
	)
	if err != nil || !tok.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenUse != expectedUse {
		return nil, ErrWrongUse
	}
	return &claims, nil
}

func fingerprintHash(s string) [32]byte {
	return sha256.Sum256([]byte(s))
}
