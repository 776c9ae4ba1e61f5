package runtime

import "encoding/binary"

// Parser-direction buffers hold length-prefixed packet records written
// from offset 0 for every burst: uint32 length in native byte order,
// immediately followed by the raw packet bytes, repeated per packet. Each
// burst starts over at offset 0: the buffer is a single-burst mailbox for
// the external device, not an accumulating log.
const recordHeaderLen = 4

// putRecord appends one record at off and returns the next offset. ok is
// false, and the buffer untouched, when the record does not fit.
func putRecord(buf []byte, off int, data []byte) (next int, ok bool) {
	next = off + recordHeaderLen + len(data)
	if off < 0 || next > len(buf) {
		return off, false
	}
	binary.NativeEndian.PutUint32(buf[off:], uint32(len(data)))
	copy(buf[off+recordHeaderLen:], data)
	return next, true
}

// getRecord reads the record at off. ok is false when the prefix or the
// declared payload extends past the buffer.
func getRecord(buf []byte, off int) (data []byte, next int, ok bool) {
	if off < 0 || off+recordHeaderLen > len(buf) {
		return nil, off, false
	}
	n := int(binary.NativeEndian.Uint32(buf[off:]))
	next = off + recordHeaderLen + n
	if n < 0 || next > len(buf) {
		return nil, off, false
	}
	return buf[off+recordHeaderLen : next], next, true
}
