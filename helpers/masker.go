package helpers

// MaskSecret redacts a credential for logging, keeping just enough of
// the prefix to correlate log lines without exposing the value.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:2] + "****"
}
