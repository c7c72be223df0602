package hash

// Size of the digest in bytes.
const Size = 32

// Sum computes blake3 digest of all chunks, concatenated in order.
func Sum(chunks ...[]byte) (rst [Size]byte) {
	hh := GetHasher()
	defer PutHasher(hh)
	for _, chunk := range chunks {
		hh.Write(chunk)
	}
	hh.Sum(rst[:0])
	return rst
}
