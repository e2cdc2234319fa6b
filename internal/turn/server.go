package turn

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pion/turn/v3"
)

type ServerConfig struct {
	Port  int
	Realm string
	// Secret validates time-limited credentials issued by GenerateCredentials.
	Secret string
	// PublicIP is the relay address. Detected when empty.
	PublicIP string
}

// Server is the embedded TURN relay.
type Server struct {
	server *turn.Server
	logger *slog.Logger
}

func NewServer(cfg ServerConfig, logger *slog.Logger) (*Server, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("turn secret is required")
	}

	udpListener, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to create UDP listener: %w", err)
	}

	relayIP := net.ParseIP(cfg.PublicIP)
	if relayIP == nil {
		relayIP = getPublicIP(logger)
	}
	if relayIP == nil {
		logger.Warn("could not determine public IP, using local IP detection")
		relayIP = getLocalIP(logger)
	}
	logger.Info("turn relay address", "ip", relayIP.String())

	s, err := turn.NewServer(turn.ServerConfig{
		Realm:       cfg.Realm,
		AuthHandler: restAuthHandler(cfg.Secret, time.Now, logger),
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: udpListener,
				RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
					RelayAddress: relayIP,
					Address:      "0.0.0.0",
				},
			},
		},
	})
	if err != nil {
		_ = udpListener.Close()
		return nil, fmt.Errorf("failed to create TURN server: %w", err)
	}

	logger.Info("turn server started", "port", cfg.Port, "realm", cfg.Realm)
	return &Server{server: s, logger: logger}, nil
}

func (s *Server) Close() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// restAuthHandler accepts usernames of the form "<expiry>:<userId>" whose
// password is the HMAC of the username, as long as expiry is in the future.
func restAuthHandler(secret string, nowFn func() time.Time, logger *slog.Logger) turn.AuthHandler {
	return func(username string, realm string, srcAddr net.Addr) ([]byte, bool) {
		expiry, _, err := parseUsername(username)
		if err != nil {
			logger.Debug("turn auth rejected", "username", username, "src", srcAddr.String(), "error", err)
			return nil, false
		}
		if !nowFn().Before(expiry) {
			logger.Debug("turn credentials expired", "username", username, "src", srcAddr.String())
			return nil, false
		}
		return turn.GenerateAuthKey(username, realm, password(secret, username)), true
	}
}

// getPublicIP asks ipify.org for the address the relay is reachable on.
func getPublicIP(logger *slog.Logger) net.IP {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get("https://api.ipify.org")
	if err != nil {
		logger.Error("failed to get public IP from ipify.org", "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Error("ipify.org returned unexpected status", "status", resp.StatusCode)
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		logger.Error("failed to read response from ipify.org", "error", err)
		return nil
	}

	ip := net.ParseIP(strings.TrimSpace(string(body)))
	if ip == nil {
		logger.Warn("invalid IP address from ipify.org", "body", string(body))
		return nil
	}
	return ip
}

func getLocalIP(logger *slog.Logger) net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		logger.Error("failed to determine local IP", "error", err)
		return net.ParseIP("127.0.0.1")
	}
	defer conn.Close()

	return conn.LocalAddr().(*net.UDPAddr).IP
}
