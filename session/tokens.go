package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/quillmail/gate/consts"
	"github.com/quillmail/gate/pkg/metrics"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// TokenPair is what a successful login or refresh returns.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// tokenClaims is the JWT claim set for both token types. Payload is the
// encrypted connection configuration; the server holds no session state
// beyond it. Refresh tokens additionally pin the access token they were
// issued alongside.
type tokenClaims struct {
	jwt.RegisteredClaims
	TokenType string `json:"typ"`
	Payload   string `json:"payload"`
	AccessID  string `json:"access_id,omitempty"`
	AccessExp int64  `json:"access_exp,omitempty"`
}

// Codec mints and verifies session tokens. Connection credentials ride
// inside the token, AES-256-GCM encrypted, so only this process can
// read them back.
type Codec struct {
	secrets    *Secrets
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewCodec builds a Codec from loaded secrets and token lifetimes.
func NewCodec(secrets *Secrets, issuer string, accessTTL, refreshTTL time.Duration) *Codec {
	return &Codec{
		secrets:    secrets,
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// IssuePair encrypts the connection configuration and mints a new
// access/refresh token pair around it.
func (c *Codec) IssuePair(cfg *ConnectionConfig) (*TokenPair, error) {
	payload, err := c.encryptPayload(cfg)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	accessExp := now.Add(c.accessTTL)
	refreshExp := now.Add(c.refreshTTL)

	accessID, err := randomID()
	if err != nil {
		return nil, err
	}
	refreshID, err := randomID()
	if err != nil {
		return nil, err
	}

	access, err := c.sign(tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			ID:        accessID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
		},
		TokenType: tokenTypeAccess,
		Payload:   payload,
	})
	if err != nil {
		return nil, err
	}
	metrics.TokensIssuedTotal.WithLabelValues(tokenTypeAccess).Inc()

	refresh, err := c.sign(tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			ID:        refreshID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(refreshExp),
		},
		TokenType: tokenTypeRefresh,
		Payload:   payload,
		AccessID:  accessID,
		AccessExp: accessExp.Unix(),
	})
	if err != nil {
		return nil, err
	}
	metrics.TokensIssuedTotal.WithLabelValues(tokenTypeRefresh).Inc()

	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// VerifyAccess validates an access token and returns the connection
// configuration it carries. Expiry and tampering map to distinct
// errors so the API layer can answer 401 with the right code.
func (c *Codec) VerifyAccess(token string) (*ConnectionConfig, error) {
	claims, err := c.verify(token, tokenTypeAccess)
	if err != nil {
		return nil, err
	}
	return c.decryptPayload(claims.Payload)
}

// verifyRefresh validates a refresh token and returns its claims; the
// caller inspects AccessExp to decide whether rotation is due.
func (c *Codec) verifyRefresh(token string) (*tokenClaims, error) {
	return c.verify(token, tokenTypeRefresh)
}

func (c *Codec) sign(claims tokenClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secrets.jwtKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (c *Codec) verify(tokenString, wantType string) (*tokenClaims, error) {
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.secrets.jwtKey, nil
	}, jwt.WithIssuer(c.issuer), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			metrics.TokenVerificationsTotal.WithLabelValues("expired").Inc()
			return nil, consts.ErrTokenExpired
		}
		metrics.TokenVerificationsTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: %v", consts.ErrTokenInvalid, err)
	}
	if !token.Valid || claims.TokenType != wantType {
		metrics.TokenVerificationsTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: wrong token type", consts.ErrTokenInvalid)
	}
	metrics.TokenVerificationsTotal.WithLabelValues("valid").Inc()
	return claims, nil
}

// encryptPayload seals the connection configuration with AES-256-GCM
// under a fresh nonce and encodes nonce||ciphertext as URL-safe base64.
func (c *Codec) encryptPayload(cfg *ConnectionConfig) (string, error) {
	plaintext, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal connection payload: %w", err)
	}

	block, err := aes.NewCipher(c.secrets.payloadKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (c *Codec) decryptPayload(payload string) (*ConnectionConfig, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed payload", consts.ErrTokenInvalid)
	}

	block, err := aes.NewCipher(c.secrets.payloadKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: payload too short", consts.ErrTokenInvalid)
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: payload decryption failed", consts.ErrTokenInvalid)
	}

	var cfg ConnectionConfig
	if err := json.Unmarshal(plaintext, &cfg); err != nil {
		return nil, fmt.Errorf("%w: payload is not valid JSON", consts.ErrTokenInvalid)
	}
	return &cfg, nil
}

func randomID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token ID: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
