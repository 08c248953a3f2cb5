package credential

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint pins the wire protocol a credential was minted for.
// Transports refuse connections whose fingerprint differs from their own.
type Fingerprint string

// ProtocolFingerprint digests the protocol version and build tag.
func ProtocolFingerprint(protocolVersion int, build string) Fingerprint {
	sum := blake2b.Sum256([]byte(fmt.Sprintf("wiregame/protocol/%d/%s", protocolVersion, build)))
	return Fingerprint(hex.EncodeToString(sum[:16]))
}
