package turn

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const (
	cloudflareCacheTTL = 3 * time.Hour
	cloudflareCacheKey = "cloudflare"
)

var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// UnmarshalJSON accepts urls as a single string too, as WebRTC configs allow.
func (s *ICEServer) UnmarshalJSON(b []byte) error {
	var raw struct {
		URLs       json.RawMessage `json:"urls"`
		Username   string          `json:"username"`
		Credential string          `json:"credential"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	s.Username = raw.Username
	s.Credential = raw.Credential
	s.URLs = nil
	if len(raw.URLs) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw.URLs, &one); err == nil {
		s.URLs = []string{one}
		return nil
	}
	return json.Unmarshal(raw.URLs, &s.URLs)
}

type ICEConfig struct {
	ICEServers []ICEServer `json:"iceServers"`
}

type ProviderConfig struct {
	STUNServers []string
	// TURNURLs are the URLs of the relay that accepts GenerateCredentials
	// output. Empty disables own TURN entries.
	TURNURLs      []string
	Secret        string
	CredentialTTL time.Duration

	CloudflareKeyID    string
	CloudflareAPIToken string
}

// Provider builds the ICE server list for a user.
type Provider struct {
	cfg    ProviderConfig
	cache  *ttlcache.Cache[string, []ICEServer]
	fetch  func(ctx context.Context, keyID, apiToken string) ([]ICEServer, error)
	nowFn  func() time.Time
	logger *slog.Logger
}

func NewProvider(cfg ProviderConfig, logger *slog.Logger) *Provider {
	if len(cfg.STUNServers) == 0 {
		cfg.STUNServers = DefaultSTUNServers
	}
	if cfg.CredentialTTL <= 0 {
		cfg.CredentialTTL = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}

	cache := ttlcache.New(
		ttlcache.WithTTL[string, []ICEServer](cloudflareCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, []ICEServer](),
	)
	go cache.Start()

	return &Provider{
		cfg:    cfg,
		cache:  cache,
		fetch:  FetchCloudflareICEServers,
		nowFn:  time.Now,
		logger: logger,
	}
}

func (p *Provider) Stop() {
	p.cache.Stop()
}

// Credentials issues own TURN credentials for userID. ok is false when no
// secret is configured.
func (p *Provider) Credentials(userID string) (Credentials, bool) {
	if p.cfg.Secret == "" {
		return Credentials{}, false
	}
	return GenerateCredentials(userID, p.cfg.Secret, p.cfg.CredentialTTL, p.nowFn()), true
}

// ICEConfig never fails: an unavailable Cloudflare API only drops its entries.
func (p *Provider) ICEConfig(ctx context.Context, userID string) ICEConfig {
	servers := []ICEServer{{URLs: p.cfg.STUNServers}}

	if creds, ok := p.Credentials(userID); ok && len(p.cfg.TURNURLs) > 0 {
		servers = append(servers, ICEServer{
			URLs:       p.cfg.TURNURLs,
			Username:   creds.Username,
			Credential: creds.Password,
		})
	}

	servers = append(servers, p.cloudflareServers(ctx)...)
	return ICEConfig{ICEServers: servers}
}

func (p *Provider) cloudflareServers(ctx context.Context) []ICEServer {
	if p.cfg.CloudflareKeyID == "" || p.cfg.CloudflareAPIToken == "" {
		return nil
	}
	if item := p.cache.Get(cloudflareCacheKey); item != nil {
		return item.Value()
	}

	servers, err := p.fetch(ctx, p.cfg.CloudflareKeyID, p.cfg.CloudflareAPIToken)
	if err != nil {
		p.logger.Warn("cloudflare turn fetch failed", "error", err)
		return nil
	}
	p.cache.Set(cloudflareCacheKey, servers, ttlcache.DefaultTTL)
	p.logger.Debug("cloudflare turn servers cached", "count", len(servers))
	return servers
}
