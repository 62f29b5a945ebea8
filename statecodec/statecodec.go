// Package statecodec implements StateCodec: an opaque, tamper-evident
// round-trip of the small state dictionary this server stashes in the
// `state` query parameter of an upstream IdP authorization request.
//
// The source this design is distilled from round-trips state as
// base64(JSON) and flags this as a known weakness. This package replaces
// that with github.com/gorilla/securecookie, the authenticated-encoding
// library the rest of this lineage reaches for whenever a value must
// survive a round-trip through an untrusted browser, grounded on
// securecookie's use for exactly that purpose elsewhere in the pack.
package statecodec

import (
	"errors"

	"github.com/gorilla/securecookie"
)

// ErrInvalid is returned by Decode for any value this codec did not
// produce: bad MAC or corrupt encoding. No maximum age is enforced (see New).
var ErrInvalid = errors.New("invalid or tampered state value")

// name is the securecookie "cookie name" parameter. securecookie mixes it
// into the MAC, so a fixed, package-private name is fine: it only needs to
// be stable across Encode/Decode calls made by this codec.
const name = "dirac-auth-state"

// Codec encodes and decodes the state dictionary carried through an
// upstream IdP's authorization round trip.
type Codec struct {
	sc *securecookie.SecureCookie
}

// New builds a Codec from signing and encryption keys. hashKey must be 32
// or 64 bytes; blockKey must be 16, 24 or 32 bytes (AES-128/192/256). The
// CLI takes both from its stateSecret configuration, or generates random
// ones when that is empty; they are independent of the token signing key.
func New(hashKey, blockKey []byte) *Codec {
	sc := securecookie.New(hashKey, blockKey)
	sc.MaxAge(0) // state values carry their own flow-row TTL; no independent expiry here.
	return &Codec{sc: sc}
}

// Encode serializes m into an opaque, authenticated token suitable for a
// URL query parameter.
func (c *Codec) Encode(m map[string]string) (string, error) {
	return c.sc.Encode(name, m)
}

// Decode reverses Encode, rejecting any value it did not produce: MAC
// failure, decoding failure, or (if MaxAge were set) expiry all collapse to
// ErrInvalid, matching the spec's "Decode must reject any value it did not
// produce" contract.
func (c *Codec) Decode(s string) (map[string]string, error) {
	m := map[string]string{}
	if err := c.sc.Decode(name, s, &m); err != nil {
		return nil, ErrInvalid
	}
	return m, nil
}
