package devices

import (
	"strings"

	"github.com/mssola/useragent"
)

var (
	smartTVMarkers  = []string{"smart-tv", "smarttv", "googletv", "appletv", "hbbtv", "crkey", "roku", "bravia", "netcast"}
	consoleMarkers  = []string{"playstation", "xbox", "nintendo"}
	wearableMarkers = []string{"watch", "wear os", "glass"}
	desktopPlatform = []string{"windows", "macintosh", "x11", "linux", "cros"}
)

// ClassifyUserAgent maps a user agent string onto a device type. Checks run
// from the most specific form factor to the most generic one.
func ClassifyUserAgent(userAgent string) Type {
	raw := strings.TrimSpace(userAgent)
	if raw == "" {
		return TypeUnknown
	}
	lowered := strings.ToLower(raw)
	agent := useragent.New(raw)
	if agent.Bot() {
		return TypeUnknown
	}

	switch {
	case containsAny(lowered, smartTVMarkers) || (strings.Contains(lowered, "tv") && (strings.Contains(lowered, "tizen") || strings.Contains(lowered, "web0s") || strings.Contains(lowered, "webos"))):
		return TypeSmartTV
	case containsAny(lowered, consoleMarkers):
		return TypeConsole
	case containsAny(lowered, wearableMarkers):
		return TypeWearable
	case isTablet(agent, lowered):
		return TypeTablet
	case agent.Mobile():
		return TypeMobile
	case containsAny(strings.ToLower(agent.Platform()), desktopPlatform) || containsAny(lowered, desktopPlatform):
		return TypeDesktop
	default:
		return TypeUnknown
	}
}

func isTablet(agent *useragent.UserAgent, lowered string) bool {
	if strings.EqualFold(agent.Platform(), "ipad") || strings.Contains(lowered, "ipad") || strings.Contains(lowered, "tablet") {
		return true
	}
	// Android tablets omit the "Mobile" token that phones send.
	return strings.Contains(lowered, "android") && !strings.Contains(lowered, "mobile")
}

func containsAny(value string, markers []string) bool {
	for _, marker := range markers {
		if strings.Contains(value, marker) {
			return true
		}
	}
	return false
}
