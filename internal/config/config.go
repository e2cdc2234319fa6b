package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `yaml:"log_level"`
	KeysDir   string          `yaml:"keys_dir"`
	HTTP      HTTPConfig      `yaml:"http"`
	Auth      AuthConfig      `yaml:"auth"`
	Grace     GraceConfig     `yaml:"grace"`
	LiveKit   LiveKitConfig   `yaml:"livekit"`
	S3        S3Config        `yaml:"s3"`
	TURN      TURNConfig      `yaml:"turn"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	VAPIDKeys *VAPIDKeys      `yaml:"-"`
}

type HTTPConfig struct {
	Port           string   `yaml:"port"`
	HTTPSPort      string   `yaml:"https_port"`
	Domain         string   `yaml:"domain"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type AuthConfig struct {
	JWTSecret   string `yaml:"jwt_secret"`
	AllowGuests bool   `yaml:"allow_guests"`
}

type GraceConfig struct {
	Period time.Duration `yaml:"period"`
}

type LiveKitConfig struct {
	URL              string `yaml:"url"`
	APIKey           string `yaml:"api_key"`
	APISecret        string `yaml:"api_secret"`
	RecordingsPrefix string `yaml:"recordings_prefix"`
}

type S3Config struct {
	Endpoint       string        `yaml:"endpoint"`
	AccessKey      string        `yaml:"access_key"`
	SecretKey      string        `yaml:"secret_key"`
	Bucket         string        `yaml:"bucket"`
	Region         string        `yaml:"region"`
	UseSSL         bool          `yaml:"use_ssl"`
	ForcePathStyle bool          `yaml:"force_path_style"`
	URLExpiry      time.Duration `yaml:"url_expiry"`
}

type TURNConfig struct {
	Embedded           bool          `yaml:"embedded"`
	Port               int           `yaml:"port"`
	Realm              string        `yaml:"realm"`
	Secret             string        `yaml:"secret"`
	PublicIP           string        `yaml:"public_ip"`
	URLs               []string      `yaml:"urls"`
	STUNServers        []string      `yaml:"stun_servers"`
	CredentialTTL      time.Duration `yaml:"credential_ttl"`
	CloudflareKeyID    string        `yaml:"cloudflare_key_id"`
	CloudflareAPIToken string        `yaml:"cloudflare_api_token"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig selects the Redis presence backend when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

func Default() *Config {
	return &Config{
		LogLevel: "info",
		KeysDir:  "keys",
		HTTP: HTTPConfig{
			Port:      "8080",
			HTTPSPort: "8443",
			Domain:    "localhost",
		},
		Auth:  AuthConfig{AllowGuests: true},
		Grace: GraceConfig{Period: 15 * time.Second},
		LiveKit: LiveKitConfig{
			RecordingsPrefix: "recordings",
		},
		S3: S3Config{
			Region:    "us-east-1",
			UseSSL:    true,
			URLExpiry: time.Hour,
		},
		TURN: TURNConfig{
			Port:          3478,
			Realm:         "callsignal",
			CredentialTTL: 24 * time.Hour,
		},
		Database:  DatabaseConfig{Path: "callsignal.db"},
		RateLimit: RateLimitConfig{RPS: 5, Burst: 20},
	}
}

// Load layers defaults, the optional YAML file at path, a .env file and the
// process environment, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg.applyEnv()

	cfg.Auth.JWTSecret = loadOrGenerateJWTSecret(cfg.KeysDir, cfg.Auth.JWTSecret)
	if cfg.TURN.Secret == "" {
		cfg.TURN.Secret = cfg.Auth.JWTSecret
	}
	cfg.VAPIDKeys = loadVAPIDKeys(cfg.KeysDir)

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.KeysDir = getEnv("KEYS_DIR", c.KeysDir)

	c.HTTP.Port = getEnv("PORT", getEnv("HTTP_PORT", c.HTTP.Port))
	c.HTTP.HTTPSPort = getEnv("HTTPS_PORT", c.HTTP.HTTPSPort)
	c.HTTP.Domain = getEnv("DOMAIN", c.HTTP.Domain)
	c.HTTP.AllowedOrigins = getEnvList("ALLOWED_ORIGINS", c.HTTP.AllowedOrigins)

	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.AllowGuests = getEnvBool("ALLOW_GUESTS", c.Auth.AllowGuests)

	c.Grace.Period = getEnvDuration("GRACE_PERIOD", c.Grace.Period)

	c.LiveKit.URL = getEnv("LIVEKIT_URL", c.LiveKit.URL)
	c.LiveKit.APIKey = getEnv("LIVEKIT_API_KEY", c.LiveKit.APIKey)
	c.LiveKit.APISecret = getEnv("LIVEKIT_API_SECRET", c.LiveKit.APISecret)
	c.LiveKit.RecordingsPrefix = getEnv("RECORDINGS_PREFIX", c.LiveKit.RecordingsPrefix)

	c.S3.Endpoint = getEnv("S3_ENDPOINT", c.S3.Endpoint)
	c.S3.AccessKey = getEnv("S3_ACCESS_KEY", c.S3.AccessKey)
	c.S3.SecretKey = getEnv("S3_SECRET", c.S3.SecretKey)
	c.S3.Bucket = getEnv("S3_BUCKET", c.S3.Bucket)
	c.S3.Region = getEnv("S3_REGION", c.S3.Region)
	c.S3.UseSSL = getEnvBool("S3_USE_SSL", c.S3.UseSSL)
	c.S3.ForcePathStyle = getEnvBool("S3_FORCE_PATH_STYLE", c.S3.ForcePathStyle)
	c.S3.URLExpiry = getEnvDuration("S3_URL_EXPIRY", c.S3.URLExpiry)

	c.TURN.Embedded = getEnvBool("TURN_EMBEDDED", c.TURN.Embedded)
	c.TURN.Port = getEnvInt("TURN_PORT", c.TURN.Port)
	c.TURN.Realm = getEnv("TURN_REALM", c.TURN.Realm)
	c.TURN.Secret = getEnv("TURN_SECRET", c.TURN.Secret)
	c.TURN.PublicIP = getEnv("TURN_PUBLIC_IP", c.TURN.PublicIP)
	c.TURN.URLs = getEnvList("TURN_URLS", c.TURN.URLs)
	c.TURN.STUNServers = getEnvList("STUN_SERVERS", c.TURN.STUNServers)
	c.TURN.CredentialTTL = getEnvDuration("TURN_CREDENTIAL_TTL", c.TURN.CredentialTTL)
	c.TURN.CloudflareKeyID = getEnv("CLOUDFLARE_TURN_KEY_ID", c.TURN.CloudflareKeyID)
	c.TURN.CloudflareAPIToken = getEnv("CLOUDFLARE_TURN_API_TOKEN", c.TURN.CloudflareAPIToken)

	c.Database.Path = getEnv("DATABASE_PATH", c.Database.Path)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)

	c.RateLimit.RPS = getEnvFloat("RATE_LIMIT_RPS", c.RateLimit.RPS)
	c.RateLimit.Burst = getEnvInt("RATE_LIMIT_BURST", c.RateLimit.Burst)
}

// Validate reports recommended settings that are missing. None of them stop
// the server; the features depending on them degrade.
func (c *Config) Validate() []string {
	var warnings []string
	if c.LiveKit.URL == "" || c.LiveKit.APIKey == "" || c.LiveKit.APISecret == "" {
		warnings = append(warnings, "LIVEKIT_URL, LIVEKIT_API_KEY and LIVEKIT_API_SECRET should be set")
	}
	if c.S3.Bucket == "" || c.S3.AccessKey == "" || c.S3.SecretKey == "" {
		warnings = append(warnings, "S3_BUCKET, S3_ACCESS_KEY and S3_SECRET should be set for recordings")
	}
	if len(c.TURN.URLs) == 0 && !c.TURN.Embedded && c.TURN.CloudflareKeyID == "" {
		warnings = append(warnings, "no TURN relay configured, clients behind symmetric NAT will fail to connect")
	}
	if c.Grace.Period <= 0 {
		warnings = append(warnings, "GRACE_PERIOD must be positive, using 15s")
		c.Grace.Period = 15 * time.Second
	}
	return warnings
}

func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func generateRandomSecret() string {
	bytes := make([]byte, 32)
	_, _ = rand.Read(bytes)
	return base64.URLEncoding.EncodeToString(bytes)
}

func loadOrGenerateJWTSecret(keysDir, configured string) string {
	if configured != "" {
		return configured
	}

	secretFile := filepath.Join(keysDir, "jwt-secret.key")
	if secretData, err := os.ReadFile(secretFile); err == nil {
		if secret := strings.TrimSpace(string(secretData)); secret != "" {
			slog.Debug("jwt secret loaded", "path", secretFile)
			return secret
		}
	}

	secret := generateRandomSecret()
	if err := os.MkdirAll(keysDir, 0700); err == nil {
		if err := os.WriteFile(secretFile, []byte(secret), 0600); err != nil {
			slog.Warn("failed to save jwt secret, it will be regenerated on restart", "error", err)
		} else {
			slog.Info("jwt secret saved", "path", secretFile)
		}
	}
	return secret
}

func loadVAPIDKeys(keysDir string) *VAPIDKeys {
	subject := getEnv("VAPID_SUBJECT", "mailto:admin@callsignal.local")

	publicKey := os.Getenv("VAPID_PUBLIC_KEY")
	privateKey := os.Getenv("VAPID_PRIVATE_KEY")
	if publicKey != "" && privateKey != "" {
		return &VAPIDKeys{PublicKey: publicKey, PrivateKey: privateKey, Subject: subject}
	}

	publicKeyFile := filepath.Join(keysDir, "vapid-public.key")
	privateKeyFile := filepath.Join(keysDir, "vapid-private.key")
	subjectFile := filepath.Join(keysDir, "vapid-subject.key")

	if keys, ok := readVAPIDKeys(publicKeyFile, privateKeyFile, subjectFile, subject); ok {
		return keys
	}

	keys, err := generateVAPIDKeys(subject)
	if err != nil {
		slog.Error("vapid key generation failed, push notifications disabled", "error", err)
		return nil
	}
	if err := saveVAPIDKeys(keysDir, keys); err != nil {
		slog.Warn("failed to save vapid keys, they will be regenerated on restart", "error", err)
	}
	return keys
}

// readVAPIDKeys accepts only raw 32-byte private keys. Anything else is removed
// so a fresh pair gets generated.
func readVAPIDKeys(publicKeyFile, privateKeyFile, subjectFile, subject string) (*VAPIDKeys, bool) {
	publicKeyData, err := os.ReadFile(publicKeyFile)
	if err != nil {
		return nil, false
	}
	privateKeyData, err := os.ReadFile(privateKeyFile)
	if err != nil {
		return nil, false
	}

	privateKey := strings.TrimSpace(string(privateKeyData))
	decoded, err := base64.RawURLEncoding.DecodeString(privateKey)
	if err != nil || len(decoded) != 32 {
		slog.Warn("stored vapid private key is unusable, regenerating", "path", privateKeyFile)
		os.Remove(publicKeyFile)
		os.Remove(privateKeyFile)
		os.Remove(subjectFile)
		return nil, false
	}

	if subjectData, err := os.ReadFile(subjectFile); err == nil {
		subject = strings.TrimSpace(string(subjectData))
	}
	return &VAPIDKeys{
		PublicKey:  strings.TrimSpace(string(publicKeyData)),
		PrivateKey: privateKey,
		Subject:    subject,
	}, true
}

func generateVAPIDKeys(subject string) (*VAPIDKeys, error) {
	privateKeyECDSA, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	// Uncompressed point: 0x04 || X || Y.
	publicKeyBytes := make([]byte, 65)
	publicKeyBytes[0] = 0x04
	privateKeyECDSA.PublicKey.X.FillBytes(publicKeyBytes[1:33])
	privateKeyECDSA.PublicKey.Y.FillBytes(publicKeyBytes[33:65])

	// webpush expects the raw scalar, not PKCS#8.
	privateKeyBytes := make([]byte, 32)
	privateKeyECDSA.D.FillBytes(privateKeyBytes)

	return &VAPIDKeys{
		PublicKey:  base64.RawURLEncoding.EncodeToString(publicKeyBytes),
		PrivateKey: base64.RawURLEncoding.EncodeToString(privateKeyBytes),
		Subject:    subject,
	}, nil
}

func saveVAPIDKeys(keysDir string, keys *VAPIDKeys) error {
	if err := os.MkdirAll(keysDir, 0700); err != nil {
		return fmt.Errorf("failed to create keys directory: %w", err)
	}
	files := map[string]string{
		"vapid-public.key":  keys.PublicKey,
		"vapid-private.key": keys.PrivateKey,
		"vapid-subject.key": keys.Subject,
	}
	for name, value := range files {
		if err := os.WriteFile(filepath.Join(keysDir, name), []byte(value), 0600); err != nil {
			return fmt.Errorf("failed to save %s: %w", name, err)
		}
	}
	slog.Info("vapid keys saved", "path", keysDir)
	return nil
}
