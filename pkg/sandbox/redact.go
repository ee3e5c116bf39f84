package sandbox

import "strings"

// redactSecrets replaces every occurrence of a known secret value in
// text with "<prefix4>[REDACTED]" before it is returned to a caller
// ("API-key material known to the agent must be replaced").
// Only secrets the agent was actually handed (its env var overrides)
// are known to redact; anything else in its output is opaque to us.
func redactSecrets(text string, knownSecrets []string) string {
	for _, secret := range knownSecrets {
		if len(secret) < 4 {
			continue
		}
		replacement := secret[:4] + "[REDACTED]"
		text = strings.ReplaceAll(text, secret, replacement)
	}
	return text
}
