package ctrl

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Digest selects the hash used in the challenge/response handshake.
type Digest int

const (
	// DigestMD5 is the wire-compatible default.
	DigestMD5 Digest = iota
	// DigestBlake2b is the stronger alternative; both ends must agree.
	DigestBlake2b
)

// challengeAlphabet is the printable alphabet challenges are drawn
// from. Kept verbatim for wire compatibility.
const challengeAlphabet = "abcdefghijklmnopqrstuvwxyz" +
	"ABCDEFGHIJKLMNOPQRSTUVWXYZ" +
	"1234567890" +
	"!@#$%^&*()" +
	"`~-_=+[{]}\\|;:'\",<.>/? "

// challengeLength is the fixed challenge size.
const challengeLength = 32

// Challenge generates a random handshake challenge, uniform over the
// alphabet.
func Challenge() (string, error) {
	// rejection sampling keeps the distribution uniform
	limit := byte(256 - 256%len(challengeAlphabet))

	out := make([]byte, 0, challengeLength)
	raw := make([]byte, 2*challengeLength)
	for len(out) < challengeLength {
		if _, err := rand.Read(raw); err != nil {
			return "", fmt.Errorf("cannot generate ctrl challenge: %w", err)
		}
		for _, b := range raw {
			if b >= limit {
				continue
			}
			out = append(out, challengeAlphabet[int(b)%len(challengeAlphabet)])
			if len(out) == challengeLength {
				break
			}
		}
	}
	return string(out), nil
}

// Response computes the expected answer for a challenge and shared
// secret.
func Response(challenge, secret string, digest Digest) string {
	payload := []byte(challenge + ":" + secret)
	switch digest {
	case DigestBlake2b:
		sum := blake2b.Sum256(payload)
		return hex.EncodeToString(sum[:])
	default:
		sum := md5.Sum(payload)
		return hex.EncodeToString(sum[:])
	}
}
