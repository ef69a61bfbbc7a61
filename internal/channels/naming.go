// Package channels derives the canonical channel identifiers shared by the
// authorization gate, the transport and every device.
package channels

import (
	"encoding/hex"
	"strings"
	"unicode"
)

const (
	presencePrefix = "presence-"
	privatePrefix  = "private-"
	networkInfix   = "network-"
	hexEscape      = "_"
)

// Kind classifies a channel name.
type Kind string

const (
	KindUnknown  Kind = "unknown"
	KindPresence Kind = "presence"
	KindPrivate  Kind = "private"
)

// PresenceChannelName returns the single shared presence channel of a network.
func PresenceChannelName(networkID string) string {
	return presencePrefix + networkInfix + networkID
}

// PrivateChannelName returns the channel only the named device may subscribe to.
func PrivateChannelName(deviceName, networkID string) string {
	return privatePrefix + Canonicalize(deviceName) + "-" + networkInfix + networkID
}

// KindOf reports whether channel is a presence or private channel.
func KindOf(channel string) Kind {
	switch {
	case strings.HasPrefix(channel, presencePrefix):
		return KindPresence
	case strings.HasPrefix(channel, privatePrefix):
		return KindPrivate
	default:
		return KindUnknown
	}
}

// Canonicalize lowercases a display name and joins its words with hyphens.
// Words are split on every separator rune and on lower to upper case
// transitions, so "Red Fox", "red_fox" and "RedFox" all become "red-fox".
// Letters and digits outside ASCII stay inside their word as an underscore
// followed by their hex encoded bytes, so "Zoë" and "Zoé" stay distinct.
// Names without any letter or digit are hex encoded whole.
func Canonicalize(name string) string {
	trimmed := strings.TrimSpace(name)
	words := make([]string, 0, 4)
	var current strings.Builder
	var previous rune

	flush := func() {
		if current.Len() > 0 {
			words = append(words, current.String())
			current.Reset()
		}
	}

	for _, r := range trimmed {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			previous = 0
			continue
		}
		if unicode.IsUpper(r) && unicode.IsLower(previous) {
			flush()
		}
		lower := unicode.ToLower(r)
		if isASCIIAlphanumeric(lower) {
			current.WriteRune(lower)
		} else {
			current.WriteString(hexEscape + hex.EncodeToString([]byte(string(lower))))
		}
		previous = r
	}
	flush()

	if len(words) == 0 {
		if trimmed == "" {
			return ""
		}
		return hexEscape + hex.EncodeToString([]byte(trimmed))
	}
	return strings.Join(words, "-")
}

func isASCIIAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
