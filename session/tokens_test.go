package session

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillmail/gate/consts"
	"github.com/quillmail/gate/mailclient"
)

func testCodec(t *testing.T, accessTTL, refreshTTL time.Duration) *Codec {
	t.Helper()
	secrets, err := LoadSecrets(t.TempDir())
	require.NoError(t, err)
	return NewCodec(secrets, "gate-test", accessTTL, refreshTTL)
}

func testConnectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		Incoming: mailclient.Endpoint{
			Server: mailclient.ServerDescriptor{
				Host: "imap.example.com", Port: 993,
				Security: mailclient.SecurityTLS, Protocol: mailclient.ProtocolIMAP,
			},
			Credentials: mailclient.Credentials{Username: "alice@example.com", Password: "s3cret"},
		},
		Outgoing: mailclient.Endpoint{
			Server: mailclient.ServerDescriptor{
				Host: "smtp.example.com", Port: 465,
				Security: mailclient.SecurityTLS, Protocol: mailclient.ProtocolSMTP,
			},
			Credentials: mailclient.Credentials{Username: "alice@example.com", Password: "s3cret"},
		},
	}
}

func TestLoadSecretsPersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadSecrets(dir)
	require.NoError(t, err)
	second, err := LoadSecrets(dir)
	require.NoError(t, err)

	assert.Equal(t, first.payloadKey, second.payloadKey)
	assert.Equal(t, first.jwtKey, second.jwtKey)
}

func TestPayloadRoundTrip(t *testing.T) {
	codec := testCodec(t, time.Minute, time.Hour)
	cfg := testConnectionConfig()

	sealed, err := codec.encryptPayload(cfg)
	require.NoError(t, err)
	assert.NotContains(t, sealed, "s3cret")
	assert.NotContains(t, sealed, "imap.example.com")

	opened, err := codec.decryptPayload(sealed)
	require.NoError(t, err)
	assert.Equal(t, cfg, opened)
}

func TestEncryptionIsNondeterministic(t *testing.T) {
	codec := testCodec(t, time.Minute, time.Hour)
	cfg := testConnectionConfig()

	one, err := codec.encryptPayload(cfg)
	require.NoError(t, err)
	two, err := codec.encryptPayload(cfg)
	require.NoError(t, err)
	assert.NotEqual(t, one, two, "fresh nonce per encryption")
}

func TestIssueAndVerifyAccess(t *testing.T) {
	codec := testCodec(t, time.Minute, time.Hour)
	cfg := testConnectionConfig()

	pair, err := codec.IssuePair(cfg)
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.True(t, pair.RefreshExpiresAt.After(pair.AccessExpiresAt))

	got, err := codec.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestVerifyAccessRejectsRefreshToken(t *testing.T) {
	codec := testCodec(t, time.Minute, time.Hour)

	pair, err := codec.IssuePair(testConnectionConfig())
	require.NoError(t, err)

	_, err = codec.VerifyAccess(pair.RefreshToken)
	require.Error(t, err)
	assert.True(t, errors.Is(err, consts.ErrTokenInvalid))
}

func TestVerifyExpiredVsTampered(t *testing.T) {
	expired := testCodec(t, -time.Minute, time.Hour)
	pair, err := expired.IssuePair(testConnectionConfig())
	require.NoError(t, err)

	_, err = expired.VerifyAccess(pair.AccessToken)
	assert.True(t, errors.Is(err, consts.ErrTokenExpired), "past expiry must read as expired, not invalid")

	codec := testCodec(t, time.Minute, time.Hour)
	pair, err = codec.IssuePair(testConnectionConfig())
	require.NoError(t, err)

	tampered := pair.AccessToken[:len(pair.AccessToken)-4] + "AAAA"
	_, err = codec.VerifyAccess(tampered)
	assert.True(t, errors.Is(err, consts.ErrTokenInvalid))

	_, err = codec.VerifyAccess("not.a.jwt")
	assert.True(t, errors.Is(err, consts.ErrTokenInvalid))
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	codec := testCodec(t, time.Minute, time.Hour)
	foreign := testCodec(t, time.Minute, time.Hour)

	pair, err := foreign.IssuePair(testConnectionConfig())
	require.NoError(t, err)

	_, err = codec.VerifyAccess(pair.AccessToken)
	assert.True(t, errors.Is(err, consts.ErrTokenInvalid))
}

func TestRefreshClaimsCarryAccessWindow(t *testing.T) {
	codec := testCodec(t, time.Minute, time.Hour)

	pair, err := codec.IssuePair(testConnectionConfig())
	require.NoError(t, err)

	claims, err := codec.verifyRefresh(pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, claims.AccessID)
	assert.Equal(t, pair.AccessExpiresAt.Unix(), claims.AccessExp)

	// A token body is three dot-separated base64 segments; the payload
	// claim rides encrypted inside, never as cleartext JSON.
	assert.Len(t, strings.Split(pair.RefreshToken, "."), 3)
	assert.NotContains(t, pair.RefreshToken, "s3cret")
}
