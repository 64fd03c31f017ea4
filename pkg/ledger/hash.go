package ledger

import (
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/crypto/sha3"
)

const hashBytes = 32

// SHA3 returns the sha3-256 digest of the concatenated input.
func SHA3(b ...[]byte) []byte {
	d := sha3.New256()
	for _, e := range b {
		_, err := d.Write(e)
		if err != nil {
			// should not happen
			panic(err)
		}
	}
	return d.Sum(nil)
}

// HashHex returns the hex encoded sha3-256 digest of the input.
func HashHex(b ...[]byte) string {
	return hex.EncodeToString(SHA3(b...))
}

func rlpEncode(v interface{}) []byte {
	b, err := rlp.EncodeToBytes(v)
	if err != nil {
		// only fixed shape structs are encoded
		panic(err)
	}
	return b
}

// MeetsDifficulty reports whether the hex hash starts with
// difficulty zero nibbles.
func MeetsDifficulty(hash string, difficulty int) bool {
	if difficulty <= 0 {
		return true
	}
	if len(hash) < difficulty {
		return false
	}
	return strings.Count(hash[:difficulty], "0") == difficulty
}

func digest(hexHash string) ([]byte, bool) {
	b, err := hex.DecodeString(hexHash)
	if err != nil || len(b) != hashBytes {
		return nil, false
	}
	return b, true
}
