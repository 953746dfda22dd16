package near

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// MaxEnvelopeSize bounds any single decoded message.
const MaxEnvelopeSize = 1 << 20

var (
	ErrTruncated        = errors.New("truncated input")
	ErrTrailingBytes    = errors.New("trailing bytes after message")
	ErrTooLarge         = errors.New("message exceeds size limit")
	ErrUnknownKeyType   = errors.New("unknown key type")
	ErrUnknownAction    = errors.New("unknown action tag")
	ErrNestedDelegate   = errors.New("delegate action cannot contain a delegate action")
	ErrInvalidAction    = errors.New("invalid action")
	ErrInvalidAccountID = errors.New("invalid account id")
	ErrInvalidUTF8      = errors.New("string is not valid utf-8")
	ErrInvalidOption    = errors.New("invalid option tag")
)

// encoder appends borsh-encoded values to buf.
type encoder struct {
	buf []byte
	err error
}

func (e *encoder) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }

func (e *encoder) u128(v Balance) {
	e.u64(v.Lo)
	e.u64(v.Hi)
}

func (e *encoder) bytes(b []byte) {
	e.u32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) string(s string) {
	e.u32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) account(a AccountID) {
	if err := a.Validate(); err != nil {
		e.fail(err)
	}
	e.string(string(a))
}

func (e *encoder) publicKey(pk PublicKey) {
	if err := pk.Validate(); err != nil {
		e.fail(fmt.Errorf("public key: %w", err))
	}
	e.u8(uint8(pk.Type))
	e.buf = append(e.buf, pk.Data...)
}

func (e *encoder) signature(sig Signature) {
	if err := sig.Validate(); err != nil {
		e.fail(fmt.Errorf("signature: %w", err))
	}
	e.u8(uint8(sig.Type))
	e.buf = append(e.buf, sig.Data...)
}

// decoder reads borsh values from buf. The first error sticks and every
// later read returns zero values.
type decoder struct {
	buf []byte
	off int
	err error
}

func newDecoder(b []byte) *decoder {
	d := &decoder{buf: b}
	if len(b) > MaxEnvelopeSize {
		d.err = fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(b), MaxEnvelopeSize)
	}
	return d
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) remaining() int { return len(d.buf) - d.off }

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || n > d.remaining() {
		d.fail(fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncated, n, d.off, d.remaining()))
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) u64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *decoder) u128() Balance {
	lo := d.u64()
	hi := d.u64()
	return Balance{Hi: hi, Lo: lo}
}

// length reads a u32 length prefix for elements of at least minElem bytes
// and rejects prefixes that cannot fit in the remaining input.
func (d *decoder) length(minElem int) int {
	n := d.u32()
	if d.err != nil {
		return 0
	}
	if minElem > 0 && uint64(n)*uint64(minElem) > uint64(d.remaining()) {
		d.fail(fmt.Errorf("%w: length prefix %d at offset %d exceeds remaining %d bytes", ErrTruncated, n, d.off-4, d.remaining()))
		return 0
	}
	return int(n)
}

func (d *decoder) bytes() []byte {
	n := d.length(1)
	if n == 0 {
		return nil
	}
	b := d.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (d *decoder) string() string {
	n := d.length(1)
	b := d.take(n)
	if b == nil {
		return ""
	}
	if !utf8.Valid(b) {
		d.fail(fmt.Errorf("%w at offset %d", ErrInvalidUTF8, d.off-n))
		return ""
	}
	return string(b)
}

func (d *decoder) account() AccountID {
	a := AccountID(d.string())
	if d.err != nil {
		return ""
	}
	if err := a.Validate(); err != nil {
		d.fail(err)
		return ""
	}
	return a
}

func (d *decoder) keyType() KeyType {
	at := d.off
	kt := KeyType(d.u8())
	if d.err != nil {
		return 0
	}
	if kt != KeyTypeED25519 && kt != KeyTypeSECP256K1 {
		d.fail(fmt.Errorf("%w: %d at offset %d", ErrUnknownKeyType, uint8(kt), at))
	}
	return kt
}

func (d *decoder) publicKey() PublicKey {
	kt := d.keyType()
	if d.err != nil {
		return PublicKey{}
	}
	size, _ := kt.publicKeySize()
	b := d.take(size)
	if b == nil {
		return PublicKey{}
	}
	return PublicKey{Type: kt, Data: append([]byte(nil), b...)}
}

func (d *decoder) signature() Signature {
	kt := d.keyType()
	if d.err != nil {
		return Signature{}
	}
	size, _ := kt.signatureSize()
	b := d.take(size)
	if b == nil {
		return Signature{}
	}
	return Signature{Type: kt, Data: append([]byte(nil), b...)}
}

func (d *decoder) option() bool {
	at := d.off
	switch tag := d.u8(); tag {
	case 0:
		return false
	case 1:
		return true
	default:
		d.fail(fmt.Errorf("%w: %d at offset %d", ErrInvalidOption, tag, at))
		return false
	}
}

// finish reports the sticky error or any unread bytes.
func (d *decoder) finish() error {
	if d.err != nil {
		return d.err
	}
	if d.remaining() != 0 {
		return fmt.Errorf("%w: %d unread bytes at offset %d", ErrTrailingBytes, d.remaining(), d.off)
	}
	return nil
}
