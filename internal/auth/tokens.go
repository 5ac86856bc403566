package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

// MinSecretLength is the minimum HS256 key size.
const MinSecretLength = 32

// Principal is the identity carried by a session token.
type Principal struct {
	UserID    int64
	Email     string
	IsAdmin   bool
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
	// Token is the raw token the principal was parsed from.
	Token string
}

// privateClaims are the non-registered claims of a session token.
type privateClaims struct {
	Email string `json:"email"`
	Admin bool   `json:"adm"`
}

// TokenIssuer signs and parses session tokens (JWS compact, HS256).
type TokenIssuer struct {
	signer  jose.Signer
	key     []byte
	issuer  string
	ttl     time.Duration
	nowFunc func() time.Time
}

// NewTokenIssuer creates an issuer. ttl is the session lifetime.
func NewTokenIssuer(secret []byte, issuer string, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("token secret must be at least %d bytes", MinSecretLength)
	}
	if ttl <= 0 {
		return nil, errors.New("session lifetime must be positive")
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: secret},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("create token signer: %w", err)
	}
	return &TokenIssuer{
		signer:  signer,
		key:     secret,
		issuer:  issuer,
		ttl:     ttl,
		nowFunc: time.Now,
	}, nil
}

// SetClock replaces the time source.
func (ti *TokenIssuer) SetClock(now func() time.Time) {
	ti.nowFunc = now
}

// Issue signs a new token. The admin flag is fixed for the token's lifetime.
func (ti *TokenIssuer) Issue(userID int64, email string, isAdmin bool) (*Principal, error) {
	now := ti.nowFunc().Truncate(time.Second)
	p := &Principal{
		UserID:    userID,
		Email:     email,
		IsAdmin:   isAdmin,
		TokenID:   uuid.NewString(),
		IssuedAt:  now,
		ExpiresAt: now.Add(ti.ttl),
	}

	std := jwt.Claims{
		Issuer:   ti.issuer,
		Subject:  strconv.FormatInt(userID, 10),
		ID:       p.TokenID,
		IssuedAt: jwt.NewNumericDate(p.IssuedAt),
		Expiry:   jwt.NewNumericDate(p.ExpiresAt),
	}
	raw, err := jwt.Signed(ti.signer).
		Claims(std).
		Claims(privateClaims{Email: email, Admin: isAdmin}).
		Serialize()
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	p.Token = raw
	return p, nil
}

// Parse verifies the signature and issuer of raw. Expiry is checked unless
// allowExpired is set, which logout uses to revoke stale tokens.
func (ti *TokenIssuer) Parse(raw string, allowExpired bool) (*Principal, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("%w: malformed token", ErrSessionInvalid)
	}

	var (
		std  jwt.Claims
		priv privateClaims
	)
	if err := tok.Claims(ti.key, &std, &priv); err != nil {
		return nil, fmt.Errorf("%w: bad signature", ErrSessionInvalid)
	}

	expected := jwt.Expected{Issuer: ti.issuer, Time: ti.nowFunc()}
	if err := std.ValidateWithLeeway(expected, 0); err != nil {
		if !(allowExpired && errors.Is(err, jwt.ErrExpired)) {
			return nil, fmt.Errorf("%w: %v", ErrSessionInvalid, err)
		}
	}
	if std.Expiry == nil || std.IssuedAt == nil {
		return nil, fmt.Errorf("%w: missing timestamps", ErrSessionInvalid)
	}

	userID, err := strconv.ParseInt(std.Subject, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad subject", ErrSessionInvalid)
	}
	return &Principal{
		UserID:    userID,
		Email:     priv.Email,
		IsAdmin:   priv.Admin,
		TokenID:   std.ID,
		IssuedAt:  std.IssuedAt.Time(),
		ExpiresAt: std.Expiry.Time(),
		Token:     raw,
	}, nil
}

// TokenHash is the key under which a revoked token is stored.
func TokenHash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
