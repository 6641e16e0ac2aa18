package fl

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"math"

	"github.com/meshwarden/meshwarden/internal/errors"
)

// UpdateDigest computes the canonical SHA-256 digest an update is signed
// over: round id, client id, sample count, then the gradient's wire fields
// in a fixed order. Both sides must produce identical bytes, so every
// numeric field goes through a fixed-width big-endian encoding.
func UpdateDigest(u *ClientUpdate) []byte {
	h := sha256.New()

	writeString(h, u.RoundID)
	writeString(h, u.ClientID)
	writeUint64(h, uint64(u.SampleCount))

	g := u.Gradient
	if g != nil {
		writeString(h, string(g.Scheme))
		writeUint64(h, uint64(g.Dimension))
		for _, idx := range g.Indices {
			writeUint32(h, idx)
		}
		for _, v := range g.Values {
			writeUint64(h, math.Float64bits(v))
		}
		h.Write(g.Quantized)
		writeUint64(h, math.Float64bits(g.Scale))
		writeUint64(h, math.Float64bits(g.Offset))
	}

	return h.Sum(nil)
}

// SignUpdate fills the update's signature from the client's private key.
// Clients call this before submission; the aggregator only verifies.
func SignUpdate(u *ClientUpdate, key ed25519.PrivateKey) {
	u.Signature = ed25519.Sign(key, UpdateDigest(u))
}

// VerifyUpdate checks the signature against the registered public key.
// A mismatch is an integrity error: the update is discarded and the client
// loses reputation, never retried.
func VerifyUpdate(u *ClientUpdate, pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return errors.NewIntegrity("client has no valid public key registered")
	}
	if len(u.Signature) != ed25519.SignatureSize {
		return errors.NewIntegrity("malformed update signature")
	}
	if !ed25519.Verify(pub, UpdateDigest(u), u.Signature) {
		return errors.NewIntegrity("update signature mismatch")
	}
	return nil
}

func writeString(h hash.Hash, s string) {
	writeUint64(h, uint64(len(s)))
	h.Write([]byte(s))
}

func writeUint64(h hash.Hash, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	h.Write(buf[:])
}

func writeUint32(h hash.Hash, v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	h.Write(buf[:])
}
