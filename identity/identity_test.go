package identity

import (
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTempStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return NewStore(filepath.Join(dir, "identity.json"))
}

func TestInitIdentityCreatesAndPersists(t *testing.T) {
	store := newTempStore(t)

	id, err := store.InitIdentity(false)
	require.NoError(t, err)
	require.NotEmpty(t, id.SignPub)

	reopened := NewStore(store.path)
	loaded, err := reopened.Load()
	require.NoError(t, err)
	assert.Equal(t, id.SignPub, loaded.SignPub)
	assert.Equal(t, id.EncryptPub, loaded.EncryptPub)
}

func TestInitIdentityRefusesDoubleInitWithoutForce(t *testing.T) {
	store := newTempStore(t)
	_, err := store.InitIdentity(false)
	require.NoError(t, err)

	_, err = store.InitIdentity(false)
	assert.ErrorIs(t, err, ErrAlreadyInitialized)

	_, err = store.InitIdentity(true)
	assert.NoError(t, err)
}

func TestRotateIdentityProducesVerifiableAnnouncement(t *testing.T) {
	store := newTempStore(t)
	original, err := store.InitIdentity(false)
	require.NoError(t, err)

	rotated, announcement, err := store.RotateIdentity()
	require.NoError(t, err)
	assert.NotEqual(t, original.SignPub, rotated.SignPub)
	assert.Equal(t, original.ShortID(), rotated.RotatedFrom)

	require.NoError(t, VerifyKeyRotationAnnouncement(announcement))
	assert.Equal(t, original.ShortID()+"", rotated.RotatedFrom)
}

func TestRotateIdentityRequiresExistingIdentity(t *testing.T) {
	store := newTempStore(t)
	_, _, err := store.RotateIdentity()
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestInviteTokenRoundTrip(t *testing.T) {
	store := newTempStore(t)
	id, err := store.InitIdentity(false)
	require.NoError(t, err)

	aliceStore := newTempStore(t)
	alice, err := aliceStore.InitIdentity(false)
	require.NoError(t, err)

	tok, err := id.CreateInviteToken(hex.EncodeToString(alice.SignPub), []string{"dev"}, []string{"inject"}, time.Hour)
	require.NoError(t, err)

	wire, err := tok.Encode()
	require.NoError(t, err)

	parsed, err := ParseInviteToken(wire)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(alice.SignPub), parsed.Sub)
	assert.Equal(t, id.ShortID(), parsed.Iss)
	assert.Equal(t, []string{"dev"}, parsed.Sessions)
}

func TestInviteTokenRejectsExpired(t *testing.T) {
	store := newTempStore(t)
	id, err := store.InitIdentity(false)
	require.NoError(t, err)

	tok, err := id.CreateInviteToken("bob-pub", []string{"dev"}, []string{"inject"}, -time.Minute)
	require.NoError(t, err)

	wire, err := tok.Encode()
	require.NoError(t, err)

	_, err = ParseInviteToken(wire)
	assert.ErrorIs(t, err, ErrInviteExpired)
}

func TestInviteTokenRejectsTamperedSignature(t *testing.T) {
	store := newTempStore(t)
	id, err := store.InitIdentity(false)
	require.NoError(t, err)

	tok, err := id.CreateInviteToken("carol-pub", []string{"dev"}, []string{"inject"}, time.Hour)
	require.NoError(t, err)
	tok.Sub = "mallory-pub"

	wire, err := tok.Encode()
	require.NoError(t, err)

	_, err = ParseInviteToken(wire)
	assert.ErrorIs(t, err, ErrInvalidInviteToken)
}

func TestSealAndOpenInviteTransportEnvelope(t *testing.T) {
	issuerStore := newTempStore(t)
	issuer, err := issuerStore.InitIdentity(false)
	require.NoError(t, err)

	recipientStore := newTempStore(t)
	recipient, err := recipientStore.InitIdentity(false)
	require.NoError(t, err)

	tok, err := issuer.CreateInviteToken("dave-pub", []string{"dev"}, []string{"inject"}, time.Hour)
	require.NoError(t, err)
	wire, err := tok.Encode()
	require.NoError(t, err)

	envelope, err := SealInviteForTransport(recipient.EncryptPub, wire)
	require.NoError(t, err)

	opened, err := OpenTransportEnvelope(recipient.EncryptPriv, envelope)
	require.NoError(t, err)
	assert.Equal(t, wire, opened)
}
