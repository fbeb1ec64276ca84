package hash

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/xxh3"

	"github.com/rockenbf/oxen/lib/oxerr"
)

// Hash is a 128-bit xxh3 content hash. Rendered as 32 lowercase hex digits,
// big-endian. Not collision resistant against adversarial input; that is
// not a goal.
type Hash struct {
	Hi uint64
	Lo uint64
}

// Zero is the empty hash, used as a nil sentinel for optional hashes.
var Zero = Hash{}

func (h Hash) IsZero() bool {
	return h.Hi == 0 && h.Lo == 0
}

const hexDigits = "0123456789abcdef"

// String renders the hash as 32 lowercase hex digits with no prefix.
func (h Hash) String() string {
	var buf [32]byte
	hi, lo := h.Hi, h.Lo
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[hi&0xf]
		hi >>= 4
	}
	for i := 31; i >= 16; i-- {
		buf[i] = hexDigits[lo&0xf]
		lo >>= 4
	}
	return string(buf[:])
}

// Parse accepts 1 to 32 hex digits, upper or lower case, with or without a
// leading 0x prefix.
func Parse(s string) (Hash, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) == 0 || len(s) > 32 {
		return Zero, oxerr.Newf(oxerr.InvalidInput, "invalid hash %q", s)
	}
	var hi, lo uint64
	for _, c := range []byte(s) {
		var v uint64
		switch {
		case c >= '0' && c <= '9':
			v = uint64(c - '0')
		case c >= 'a' && c <= 'f':
			v = uint64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			v = uint64(c-'A') + 10
		default:
			return Zero, oxerr.Newf(oxerr.InvalidInput, "invalid hash %q", s)
		}
		hi = hi<<4 | lo>>60
		lo = lo<<4 | v
	}
	return Hash{Hi: hi, Lo: lo}, nil
}

// LittleEndian returns the 16-byte little-endian encoding used in lookup
// files and as hashing input.
func (h Hash) LittleEndian() [16]byte {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], h.Lo)
	binary.LittleEndian.PutUint64(buf[8:16], h.Hi)
	return buf
}

// FromLittleEndian decodes the 16-byte little-endian encoding.
func FromLittleEndian(buf [16]byte) Hash {
	return Hash{
		Lo: binary.LittleEndian.Uint64(buf[0:8]),
		Hi: binary.LittleEndian.Uint64(buf[8:16]),
	}
}

// Mod buckets the hash into n slots. Vnode counts are always powers of two,
// for which the low 64 bits fully determine the result.
func (h Hash) Mod(n uint64) uint64 {
	if n&(n-1) == 0 {
		return h.Lo & (n - 1)
	}
	return h.Lo % n
}

// Compare orders hashes numerically, hi word first.
func (h Hash) Compare(other Hash) int {
	if h.Hi != other.Hi {
		if h.Hi < other.Hi {
			return -1
		}
		return 1
	}
	if h.Lo != other.Lo {
		if h.Lo < other.Lo {
			return -1
		}
		return 1
	}
	return 0
}

// MarshalCBOR encodes the hash as a 16-byte little-endian byte string.
func (h Hash) MarshalCBOR() ([]byte, error) {
	buf := h.LittleEndian()
	return cbor.Marshal(buf[:])
}

// UnmarshalCBOR decodes the 16-byte little-endian byte string form.
func (h *Hash) UnmarshalCBOR(data []byte) error {
	var raw []byte
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 16 {
		return oxerr.Newf(oxerr.Corrupt, "hash encoding has %d bytes, want 16", len(raw))
	}
	var buf [16]byte
	copy(buf[:], raw)
	*h = FromLittleEndian(buf)
	return nil
}

// MarshalJSON renders hashes as hex strings on the wire.
func (h Hash) MarshalJSON() ([]byte, error) {
	return []byte(`"` + h.String() + `"`), nil
}

func (h *Hash) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

func fromUint128(v xxh3.Uint128) Hash {
	return Hash{Hi: v.Hi, Lo: v.Lo}
}

// Bytes hashes a byte slice.
func Bytes(buf []byte) Hash {
	return fromUint128(xxh3.Hash128(buf))
}

// Hasher is a streaming 128-bit hasher.
type Hasher struct {
	h xxh3.Hasher
}

func NewHasher() *Hasher {
	return &Hasher{}
}

func (s *Hasher) Write(p []byte) (int, error) {
	return s.h.Write(p)
}

// WriteHash feeds another hash into the stream in its little-endian form.
func (s *Hasher) WriteHash(h Hash) {
	buf := h.LittleEndian()
	s.h.Write(buf[:])
}

func (s *Hasher) WriteString(str string) {
	s.h.WriteString(str)
}

func (s *Hasher) Sum() Hash {
	return fromUint128(s.h.Sum128())
}

// File hashes the full contents of a file, streaming through a fixed-size
// buffer.
func File(path string) (Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return Zero, oxerr.Wrapf(oxerr.Io, err, "could not open %s", path)
	}
	defer f.Close()

	hasher := NewHasher()
	reader := bufio.NewReaderSize(f, 1024*1024)
	if _, err := io.Copy(hasher, reader); err != nil {
		return Zero, oxerr.Wrapf(oxerr.Io, err, "could not read %s", path)
	}
	return hasher.Sum(), nil
}

// Combined folds a metadata hash into a content hash. With no metadata the
// content hash passes through unchanged, so plain files keep their byte hash.
func Combined(content Hash, metadata Hash) Hash {
	if metadata.IsZero() {
		return content
	}
	hasher := NewHasher()
	hasher.WriteHash(content)
	hasher.WriteHash(metadata)
	return hasher.Sum()
}
