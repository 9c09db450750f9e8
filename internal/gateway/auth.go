package gateway

import (
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/clawdbot/internal/config"
)

// bearerProtoPrefix carries the secret via WebSocket subprotocol for browser
// clients that cannot set headers.
const bearerProtoPrefix = "clawdbot.bearer."

// ValidateBind rejects listener configurations the auth rules forbid:
// non-loopback binds need auth, funnel binds need a password.
func ValidateBind(gw config.GatewayConfig) error {
	mode := gw.Auth.Mode
	if gw.TailscaleMode == "funnel" && mode != "password" {
		return fmt.Errorf("gateway: funnel requires auth mode password, have %q", mode)
	}
	if (mode == "" || mode == "off") && !isLoopbackHost(gw.Host) {
		return fmt.Errorf("gateway: bind %q requires auth mode token or password", gw.Host)
	}
	return nil
}

// authorize applies the configured auth mode before upgrade. It returns the
// negotiated subprotocol (when the secret arrived that way) so the upgrade
// response can echo it.
func (s *Server) authorize(r *http.Request) (subprotocol string, err error) {
	gw := s.cfg.Gateway
	mode := gw.Auth.Mode
	if mode == "" {
		mode = "off"
	}

	switch mode {
	case "off":
		if !requestFromLoopback(r) {
			return "", fmt.Errorf("auth off allows loopback only")
		}
		return "", nil
	case "token", "password":
		secret := gw.Auth.Token
		if mode == "password" {
			secret = gw.Auth.Password
		}
		if secret == "" {
			return "", fmt.Errorf("auth mode %s with empty secret", mode)
		}
		presented, viaProto := presentedSecret(r)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
			return "", fmt.Errorf("bad credentials")
		}
		return viaProto, nil
	default:
		return "", fmt.Errorf("unknown auth mode %q", mode)
	}
}

// presentedSecret extracts the client secret: Authorization bearer header,
// ?token= query, then subprotocol. The returned proto is non-empty when the
// subprotocol carried it.
func presentedSecret(r *http.Request) (secret, proto string) {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer "), ""
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, ""
	}
	for _, p := range websocketProtocols(r) {
		if strings.HasPrefix(p, bearerProtoPrefix) {
			return strings.TrimPrefix(p, bearerProtoPrefix), p
		}
	}
	return "", ""
}

func websocketProtocols(r *http.Request) []string {
	var out []string
	for _, h := range r.Header.Values("Sec-Websocket-Protocol") {
		for _, p := range strings.Split(h, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func requestFromLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func isLoopbackHost(host string) bool {
	if host == "" || host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
