package trust

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopr-project/wopr-core/identity"
)

func newTempTrustStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "trust.json"))
	require.NoError(t, s.Load())
	return s
}

func TestGrantAccessAndIsAuthorized(t *testing.T) {
	st := newTempTrustStore(t)

	assert.False(t, st.IsAuthorized("deadbeef", "dev"))

	_, err := st.GrantAccess("deadbeef", "cafebabe", "alice", "self", []string{"dev"}, []string{CapInject}, nil)
	require.NoError(t, err)

	assert.True(t, st.IsAuthorized("deadbeef", "dev"))
	assert.False(t, st.IsAuthorized("deadbeef", "prod"))
}

func TestGrantAccessWildcardSessionAuthorizesAnyName(t *testing.T) {
	st := newTempTrustStore(t)

	_, err := st.GrantAccess("deadbeef", "cafebabe", "alice", "self", []string{AnySession}, []string{CapInject}, nil)
	require.NoError(t, err)

	assert.True(t, st.IsAuthorized("deadbeef", "dev"))
	assert.True(t, st.IsAuthorized("deadbeef", "prod"))
}

func TestGrantAccessWithoutInjectCapIsNotAuthorized(t *testing.T) {
	st := newTempTrustStore(t)

	_, err := st.GrantAccess("deadbeef", "cafebabe", "alice", "self", []string{"dev"}, nil, nil)
	require.NoError(t, err)

	assert.False(t, st.IsAuthorized("deadbeef", "dev"))
}

func TestGrantAccessUnionsSessionsOnRepeatedGrant(t *testing.T) {
	st := newTempTrustStore(t)

	_, err := st.GrantAccess("deadbeef", "cafebabe", "alice", "self", []string{"dev"}, []string{CapInject}, nil)
	require.NoError(t, err)
	_, err = st.GrantAccess("deadbeef", "cafebabe", "alice", "self", []string{"staging"}, []string{CapInject}, nil)
	require.NoError(t, err)

	assert.True(t, st.IsAuthorized("deadbeef", "dev"))
	assert.True(t, st.IsAuthorized("deadbeef", "staging"))
}

func TestGrantAccessRespectsExpiry(t *testing.T) {
	st := newTempTrustStore(t)

	ttl := -time.Minute
	_, err := st.GrantAccess("deadbeef", "cafebabe", "alice", "self", []string{"dev"}, []string{CapInject}, &ttl)
	require.NoError(t, err)

	assert.False(t, st.IsAuthorized("deadbeef", "dev"))
}

func TestRevokePeerRemovesAuthorization(t *testing.T) {
	st := newTempTrustStore(t)
	_, err := st.GrantAccess("deadbeef", "cafebabe", "alice", "self", []string{"dev"}, []string{CapInject}, nil)
	require.NoError(t, err)
	require.True(t, st.IsAuthorized("deadbeef", "dev"))

	require.NoError(t, st.RevokePeer("deadbeef"))
	assert.False(t, st.IsAuthorized("deadbeef", "dev"))

	_, err = st.GrantAccess("deadbeef", "cafebabe", "alice", "self", []string{"dev"}, []string{CapInject}, nil)
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestClaimInviteIsSingleUse(t *testing.T) {
	st := newTempTrustStore(t)
	require.NoError(t, st.RecordInvite("nonce1", "alice", time.Now(), time.Now().Add(time.Hour)))

	_, err := st.ClaimInvite("nonce1", "deadbeef")
	require.NoError(t, err)

	_, err = st.ClaimInvite("nonce1", "someoneelse")
	assert.ErrorIs(t, err, ErrInviteAlreadyClaimed)
}

func TestProcessPeerKeyRotationMigratesGrantAndIsIdempotent(t *testing.T) {
	st := newTempTrustStore(t)

	// Build a real rotation announcement via the identity package so the
	// signature verifies against an actual Ed25519 key pair.
	store := identity.NewStore(filepath.Join(t.TempDir(), "id.json"))
	prev, err := store.InitIdentity(false)
	require.NoError(t, err)
	_, announcement, err := store.RotateIdentity()
	require.NoError(t, err)

	_, err = st.GrantAccess(hexString(prev.SignPub), hexString(prev.EncryptPub[:]), "alice", "self", []string{"dev"}, []string{CapInject}, nil)
	require.NoError(t, err)

	require.NoError(t, st.ProcessPeerKeyRotation(announcement))
	assert.True(t, st.IsAuthorized(announcement.NewSignPub, "dev"))

	// Idempotent: processing again must not error or duplicate history.
	require.NoError(t, st.ProcessPeerKeyRotation(announcement))
}

func TestProcessPeerKeyRotationGrantsGracePeriodOnOldKey(t *testing.T) {
	st := newTempTrustStore(t)

	store := identity.NewStore(filepath.Join(t.TempDir(), "id.json"))
	prev, err := store.InitIdentity(false)
	require.NoError(t, err)
	_, announcement, err := store.RotateIdentity()
	require.NoError(t, err)

	_, err = st.GrantAccess(hexString(prev.SignPub), hexString(prev.EncryptPub[:]), "alice", "self", []string{"dev"}, []string{CapInject}, nil)
	require.NoError(t, err)
	require.NoError(t, st.ProcessPeerKeyRotation(announcement))

	// The old key still authorizes within the grace period the announcement
	// itself declared (identity.DefaultRotationDefaults, 7 days).
	assert.True(t, st.IsAuthorized(announcement.OldSignPub, "dev"))
}

func TestProcessPeerKeyRotationOldKeyExpiresAfterGracePeriod(t *testing.T) {
	st := newTempTrustStore(t)

	store := identity.NewStore(filepath.Join(t.TempDir(), "id.json"))
	prev, err := store.InitIdentity(false)
	require.NoError(t, err)
	// The sender declares a grace period that has already elapsed by the
	// time the receiver processes it.
	_, announcement, err := store.RotateIdentityWithOptions(-time.Minute, "compromised key")
	require.NoError(t, err)

	_, err = st.GrantAccess(hexString(prev.SignPub), hexString(prev.EncryptPub[:]), "alice", "self", []string{"dev"}, []string{CapInject}, nil)
	require.NoError(t, err)

	require.NoError(t, st.ProcessPeerKeyRotation(announcement))

	assert.False(t, st.IsAuthorized(announcement.OldSignPub, "dev"))
	assert.True(t, st.IsAuthorized(announcement.NewSignPub, "dev"))
}

func hexString(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hextable[c>>4]
		out[i*2+1] = hextable[c&0x0f]
	}
	return string(out)
}
