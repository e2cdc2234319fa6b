package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadLayers(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
keys_dir: `+filepath.Join(dir, "keys")+`
grace:
  period: 20s
livekit:
  url: wss://lk.example.org
  api_key: key
turn:
  urls: ["turn:turn.example.org:3478"]
`), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LIVEKIT_API_SECRET=from-dotenv\n"), 0600))
	t.Cleanup(func() { os.Unsetenv("LIVEKIT_API_SECRET") })

	t.Setenv("LIVEKIT_API_KEY", "from-env")
	t.Setenv("ALLOW_GUESTS", "false")
	t.Setenv("STUN_SERVERS", "stun:a:19302, stun:b:19302")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("VAPID_PUBLIC_KEY", "")
	t.Setenv("VAPID_PRIVATE_KEY", "")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 20*time.Second, cfg.Grace.Period)
	assert.Equal(t, "wss://lk.example.org", cfg.LiveKit.URL)
	assert.Equal(t, "from-env", cfg.LiveKit.APIKey)
	assert.Equal(t, "from-dotenv", cfg.LiveKit.APISecret)
	assert.False(t, cfg.Auth.AllowGuests)
	assert.Equal(t, []string{"stun:a:19302", "stun:b:19302"}, cfg.TURN.STUNServers)
	assert.Equal(t, "8080", cfg.HTTP.Port)

	require.NotEmpty(t, cfg.Auth.JWTSecret)
	assert.Equal(t, cfg.Auth.JWTSecret, cfg.TURN.Secret)
	require.NotNil(t, cfg.VAPIDKeys)

	// Second load reuses the persisted key material.
	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Auth.JWTSecret, again.Auth.JWTSecret)
	assert.Equal(t, cfg.VAPIDKeys.PublicKey, again.VAPIDKeys.PublicKey)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestGenerateVAPIDKeys(t *testing.T) {
	keys, err := generateVAPIDKeys("mailto:ops@example.org")
	require.NoError(t, err)

	pub, err := base64.RawURLEncoding.DecodeString(keys.PublicKey)
	require.NoError(t, err)
	assert.Len(t, pub, 65)
	assert.Equal(t, byte(0x04), pub[0])

	priv, err := base64.RawURLEncoding.DecodeString(keys.PrivateKey)
	require.NoError(t, err)
	assert.Len(t, priv, 32)
}

func TestReadVAPIDKeysDropsLegacyFormat(t *testing.T) {
	dir := t.TempDir()
	pubFile := filepath.Join(dir, "vapid-public.key")
	privFile := filepath.Join(dir, "vapid-private.key")
	require.NoError(t, os.WriteFile(pubFile, []byte("pub"), 0600))
	require.NoError(t, os.WriteFile(privFile, []byte(base64.RawURLEncoding.EncodeToString(make([]byte, 138))), 0600))

	_, ok := readVAPIDKeys(pubFile, privFile, filepath.Join(dir, "vapid-subject.key"), "mailto:x")
	assert.False(t, ok)
	assert.NoFileExists(t, privFile)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Grace.Period = 0
	warnings := cfg.Validate()
	assert.Len(t, warnings, 4)
	assert.Equal(t, 15*time.Second, cfg.Grace.Period)

	cfg.LiveKit = LiveKitConfig{URL: "wss://x", APIKey: "k", APISecret: "s"}
	cfg.S3 = S3Config{Bucket: "b", AccessKey: "a", SecretKey: "s"}
	cfg.TURN.Embedded = true
	assert.Empty(t, cfg.Validate())
}
