package vault

// Transform XORs buf in place with key, treating buf[0] as the byte at
// absolute position offset.  Applying it twice with the same offset and
// key restores the original bytes, so it both encrypts and decrypts.
// offset must not be negative.
func Transform(buf []byte, offset int64, key *Key) {
	k := int(offset % KeySize)
	for i := range buf {
		buf[i] ^= key[k]
		k++
		if k == KeySize {
			k = 0
		}
	}
}
