package cryptoutil

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/keithlinneman/xssguard/internal/xerrors"
)

// HashEqual compares two hex digests in constant time.
func HashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// SHA256Hex returns the lowercase hex SHA-256 of data.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// ParseSHA256 accepts "sha256:<hex>" or a bare hex digest and returns the
// normalized lowercase hex form.
func ParseSHA256(s string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(s))
	if algo, rest, ok := strings.Cut(d, ":"); ok {
		if algo != "sha256" {
			return "", xerrors.Newf("unsupported digest algorithm %q", algo)
		}
		d = rest
	}
	if len(d) != sha256.Size*2 {
		return "", xerrors.Newf("sha256 digest must be %d hex characters, got %d", sha256.Size*2, len(d))
	}
	if _, err := hex.DecodeString(d); err != nil {
		return "", xerrors.Wrap(err, "sha256 digest is not hex")
	}
	return d, nil
}
