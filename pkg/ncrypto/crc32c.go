package ncrypto

import "hash/crc32"

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// CRC32C computes the CRC32C (Castagnoli) checksum used to validate
// handshake packet headers (§4.2, §6) before any cryptographic check is
// attempted — a cheap, unauthenticated filter so obviously-corrupt or
// non-handshake traffic never reaches the slower classification path.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}
