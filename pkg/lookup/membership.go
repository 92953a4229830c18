package lookup

import (
	"bytes"
	"encoding/binary"

	"github.com/adammck/placer/pkg/api"
	"github.com/pkg/errors"
	"github.com/willf/bloom"
)

// DefaultFalsePositiveRate is used when the config doesn't say otherwise.
const DefaultFalsePositiveRate = 0.001

// Encoded header: bits, hashes, then bits again (from the bitset), each a
// big-endian uint64. The bitset's words follow.
const headerSize = 24

// Way beyond what any sane false positive rate needs.
const maxHashes = 64

// Membership answers "might this key have been moved?". It never returns
// false for a key which was added. The bit array and hash count are sized by
// bloom.EstimateParameters, and bit positions come from double hashing over
// murmur3.
type Membership struct {
	bf *bloom.BloomFilter
}

func NewMembership(falsePositiveRate float64, expected uint) *Membership {
	if expected < 1 {
		expected = 1
	}

	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = DefaultFalsePositiveRate
	}

	return &Membership{
		bf: bloom.NewWithEstimates(expected, falsePositiveRate),
	}
}

// Add is only called while building. Don't call it once the Membership has
// been shared.
func (m *Membership) Add(key api.Key) {
	m.bf.Add([]byte(key))
}

func (m *Membership) Contains(key api.Key) bool {
	return m.bf.Test([]byte(key))
}

// Bits returns the size of the bit array.
func (m *Membership) Bits() uint {
	return m.bf.Cap()
}

// Hashes returns the number of hash functions.
func (m *Membership) Hashes() uint {
	return m.bf.K()
}

func (m *Membership) MarshalBinary() ([]byte, error) {
	buf := &bytes.Buffer{}
	if _, err := m.bf.WriteTo(buf); err != nil {
		return nil, errors.Wrap(err, "error encoding membership")
	}

	return buf.Bytes(), nil
}

func (m *Membership) UnmarshalBinary(b []byte) error {
	if len(b) == 0 {
		return errors.New("error decoding membership: empty")
	}

	// Check the sizes in the header against the blob before decoding, since
	// the decoder allocates whatever the header says.
	if err := checkHeader(b); err != nil {
		return errors.Wrap(err, "error decoding membership")
	}

	bf := &bloom.BloomFilter{}
	if _, err := bf.ReadFrom(bytes.NewReader(b)); err != nil {
		return errors.Wrap(err, "error decoding membership")
	}

	m.bf = bf
	return nil
}

func checkHeader(b []byte) error {
	if len(b) < headerSize {
		return errors.Errorf("short header: %d bytes", len(b))
	}

	bits := binary.BigEndian.Uint64(b[0:8])
	hashes := binary.BigEndian.Uint64(b[8:16])
	length := binary.BigEndian.Uint64(b[16:24])

	if bits == 0 || hashes == 0 {
		return errors.New("zero size")
	}

	if hashes > maxHashes {
		return errors.Errorf("too many hashes: %d", hashes)
	}

	if length != bits {
		return errors.Errorf("bitset length %d != %d bits", length, bits)
	}

	words := (uint64(len(b)) - headerSize) / 8
	if (uint64(len(b))-headerSize)%8 != 0 || words != (bits+63)/64 {
		return errors.Errorf("%d bits doesn't match %d bytes", bits, len(b))
	}

	return nil
}
