// Package protocol implements the RTMFP datagram envelope.
//
// The first word of every datagram is the session id scrambled with the two
// words that follow it, so Unpack can route a datagram before anything is
// decrypted. The rest is AES-128-CBC with a zero IV, carrying a 16-bit
// checksum, a marker, a timestamp, an optional echo time and the chunks.
package protocol
