package session

import (
	"encoding/hex"

	"lukechampine.com/blake3"

	"github.com/quillmail/gate/mailclient"
)

// Identity derives the pool key for an endpoint. The same account on
// the same server always hashes to the same key, so repeated logins
// share one pooled connection; any change in who or where yields a new
// key. Credential secrets never enter the hash.
func Identity(ep mailclient.Endpoint) string {
	h := blake3.New(32, nil)
	writeField(h, ep.Credentials.Username)
	writeField(h, ep.Credentials.OAuthSubject)
	writeField(h, ep.Server.Host)
	writeField(h, ep.Server.Addr())
	return hex.EncodeToString(h.Sum(nil))
}

// writeField appends a field plus a separator that cannot occur in
// hostnames or addresses, so adjacent fields cannot collide.
func writeField(h *blake3.Hasher, field string) {
	h.Write([]byte(field))
	h.Write([]byte{0x1f})
}
