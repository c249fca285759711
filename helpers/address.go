package helpers

import (
	"net/mail"
	"strings"

	"github.com/quillmail/gate/consts"
)

// ValidateEmail checks that address is a plain RFC 5322 address with a
// usable domain part. The domain is later interpolated into discovery
// URLs, so anything that could alter a request path is rejected here,
// before any network I/O.
func ValidateEmail(address string) error {
	addr, err := mail.ParseAddress(address)
	if err != nil || addr.Address != address {
		return consts.ErrInvalidEmail
	}
	domain := DomainOf(address)
	if domain == "" || strings.ContainsAny(domain, "/\\?#%@: ") {
		return consts.ErrInvalidEmail
	}
	return nil
}

// DomainOf returns the lowercased domain part of an email address, the
// substring after the last "@". Returns "" if there is no "@".
func DomainOf(address string) string {
	idx := strings.LastIndex(address, "@")
	if idx < 0 || idx == len(address)-1 {
		return ""
	}
	return strings.ToLower(address[idx+1:])
}

// LocalPartOf returns the part of an email address before the last "@".
func LocalPartOf(address string) string {
	idx := strings.LastIndex(address, "@")
	if idx < 0 {
		return address
	}
	return address[:idx]
}
