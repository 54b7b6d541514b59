package utils

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// ExtractServerName returns a short, stable server name for an upstream address.
// The address may be a bare host ("abc.us-east-1.aws.materialize.cloud"),
// a host:port pair, or a URL ("postgres://user@host:6875/materialize").
// Localhost and IP addresses are replaced by the machine's hostname so lock
// names stay unique per deployment.
func ExtractServerName(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", fmt.Errorf("server name not found in empty address")
	}

	host := address
	if strings.Contains(address, "://") {
		u, err := url.Parse(address)
		if err != nil {
			return "", fmt.Errorf("failed to parse address: %w", err)
		}
		host = u.Host
	}

	// Strip the port before splitting on dots so IPs survive intact
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		return "", fmt.Errorf("server name not found in address %q", address)
	}

	serverName := host
	if strings.ToLower(host) == "localhost" || isIPAddress(host) {
		hostname, err := os.Hostname()
		if err != nil {
			return "", fmt.Errorf("failed to get hostname: %w", err)
		}
		serverName = hostname
	}
	serverName = strings.Split(serverName, ".")[0]

	return strings.ToLower(serverName), nil
}

// isIPAddress checks if a string is an IP address or part of one (like '127')
func isIPAddress(host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		return true
	}

	if num, err := strconv.Atoi(host); err == nil {
		return num >= 0 && num <= 255
	}

	// Partial dotted forms like '127.0'
	if strings.Contains(host, ".") {
		parts := strings.Split(host, ".")
		if len(parts) < 4 {
			for _, part := range parts {
				num, err := strconv.Atoi(part)
				if part == "" || err != nil || num < 0 || num > 255 {
					return false
				}
			}
			return true
		}
	}

	return false
}
