package relay

// stampSequence writes v into dst as a zero-padded decimal of SequenceLen
// digits. dst must be at least SequenceLen bytes.
func stampSequence(dst []byte, v uint32) {
	for i := SequenceLen - 1; i >= 0; i-- {
		dst[i] = byte('0' + v%10)
		v /= 10
	}
}

// fillPayload returns n bytes of the repeating pattern A..Z.
func fillPayload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte('A' + i%26)
	}
	return p
}
