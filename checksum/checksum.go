// Package checksum implements the POSIX cksum algorithm.
//
// The CRC is computed MSB-first with polynomial 0x04C11DB7 and a zero initial
// value. After the data, the data length is fed least-significant byte first
// using only as many bytes as are needed to represent it, and the result is
// complemented. The output is bit-identical to the cksum utility.
package checksum

import "hash"

// Size is the checksum size in bytes.
const Size = 4

const polynomial = 0x04C11DB7

var table = makeTable()

func makeTable() *[256]uint32 {
	var t [256]uint32
	for i := range t {
		crc := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ polynomial
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return &t
}

func update(crc uint32, p []byte) uint32 {
	for _, b := range p {
		crc = crc<<8 ^ table[byte(crc>>24)^b]
	}
	return crc
}

// Digest is a streaming cksum computation. It implements hash.Hash32.
type Digest struct {
	crc    uint32
	length uint64
}

var _ hash.Hash32 = (*Digest)(nil)

// New returns an empty Digest.
func New() *Digest {
	return &Digest{}
}

// Write feeds p into the running checksum. It never returns an error.
func (d *Digest) Write(p []byte) (int, error) {
	d.crc = update(d.crc, p)
	d.length += uint64(len(p))
	return len(p), nil
}

// Sum32 returns the cksum value of everything written so far.
// The digest state is not modified.
func (d *Digest) Sum32() uint32 {
	crc := d.crc
	for n := d.length; n != 0; n >>= 8 {
		crc = update(crc, []byte{byte(n)})
	}
	return ^crc
}

// Sum appends the big-endian checksum to b.
func (d *Digest) Sum(b []byte) []byte {
	s := d.Sum32()
	return append(b, byte(s>>24), byte(s>>16), byte(s>>8), byte(s))
}

// Reset clears the digest.
func (d *Digest) Reset() {
	d.crc = 0
	d.length = 0
}

// Size returns Size.
func (d *Digest) Size() int { return Size }

// BlockSize returns 1.
func (d *Digest) BlockSize() int { return 1 }

// Len returns the number of bytes written so far.
func (d *Digest) Len() uint64 { return d.length }

// Sum returns the cksum value of data.
func Sum(data []byte) uint32 {
	d := New()
	_, _ = d.Write(data)
	return d.Sum32()
}
