// Package authstate encodes the opaque state token carried through the
// OAuth redirect round-trip. A state binds the identity that must end up
// owning the credential and, optionally, a reference to the context record
// holding non-default application credentials.
package authstate

import (
	"errors"
	"strings"
)

// Delimiter separates the identity segment from the optional context
// segment. It must never appear inside an identity key.
const Delimiter = "|"

var (
	// ErrMalformedIdentity rejects identity keys that are empty or embed
	// the delimiter.
	ErrMalformedIdentity = errors.New("malformed identity key")

	// ErrInvalidState rejects state tokens that did not come out of
	// Encode. The state arrives on an untrusted redirect parameter, so
	// extra segments are treated as delimiter injection.
	ErrInvalidState = errors.New("invalid authorization state")
)

// Encode builds a state token from an identity key and an optional
// context record reference.
func Encode(identityKey, contextRef string) (string, error) {
	if identityKey == "" || strings.Contains(identityKey, Delimiter) {
		return "", ErrMalformedIdentity
	}
	if contextRef == "" {
		return identityKey, nil
	}
	return identityKey + Delimiter + contextRef, nil
}

// Decode splits a state token back into identity key and context
// reference. The context reference is "" when the token carried none.
func Decode(state string) (identityKey, contextRef string, err error) {
	parts := strings.Split(state, Delimiter)
	if len(parts) > 2 || parts[0] == "" {
		return "", "", ErrInvalidState
	}
	if len(parts) == 2 {
		contextRef = parts[1]
	}
	return parts[0], contextRef, nil
}
