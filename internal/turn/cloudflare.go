package turn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const cloudflareCredentialTTL = 24 * time.Hour

var cloudflareBaseURL = "https://rtc.live.cloudflare.com"

var httpClient = &http.Client{
	Timeout: 10 * time.Second,
}

type cloudflareIceConfig struct {
	ICEServers []ICEServer `json:"iceServers"`
}

// FetchCloudflareICEServers asks Cloudflare Calls for a fresh set of TURN
// servers with generated credentials.
func FetchCloudflareICEServers(ctx context.Context, keyID, apiToken string) ([]ICEServer, error) {
	url := fmt.Sprintf("%s/v1/turn/keys/%s/credentials/generate-ice-servers", cloudflareBaseURL, keyID)
	payload := struct {
		TTL int `json:"ttl"`
	}{TTL: int(cloudflareCredentialTTL.Seconds())}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("cloudflare turn: unexpected status %s", resp.Status)
	}

	var cfg cloudflareIceConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("cloudflare turn: decode response: %w", err)
	}
	return cfg.ICEServers, nil
}
