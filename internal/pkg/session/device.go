// internal/pkg/session/device.go
package session

import (
	"strings"

	"github.com/mssola/useragent"
)

// DescribeDevice turns a User-Agent header into a short label such as
// "Chrome 120.0 on Linux (desktop)". Empty input yields "".
func DescribeDevice(ua string) string {
	if strings.TrimSpace(ua) == "" {
		return ""
	}

	parsed := useragent.New(ua)
	browser, version := parsed.Browser()
	if version != "" {
		browser = browser + " " + version
	}

	osInfo := parsed.OSInfo()
	osName := osInfo.Name
	if osInfo.Version != "" {
		osName = osName + " " + osInfo.Version
	}

	kind := "desktop"
	switch {
	case parsed.Bot():
		kind = "bot"
	case parsed.Mobile():
		kind = "mobile"
	case isTablet(ua):
		kind = "tablet"
	}

	if osName == "" {
		return browser + " (" + kind + ")"
	}
	return browser + " on " + osName + " (" + kind + ")"
}

func isTablet(ua string) bool {
	ua = strings.ToLower(ua)
	for _, keyword := range []string{"ipad", "tablet", "playbook", "silk"} {
		if strings.Contains(ua, keyword) {
			return true
		}
	}
	return false
}
