// Package proto encapsulates the handoff frame exchanged between a secondary
// launch and the primary instance, as well as the functions for reading and
// writing that frame off the wire.
//
// The transports underneath (unix stream sockets, windows named pipes) are
// byte streams, so every frame is length prefixed. A frame is laid out as:
//
//	uint32  frame length, big endian, not counting these 4 bytes
//	uint8   frame version (currently 1)
//	uint32  string count, big endian, always at least 1
//	count × (uint32 string length, big endian; string bytes)
//
// The first string is the working directory of the secondary launch. Every
// following string is one of its arguments, in their original order.
//
// Strings are carried as raw bytes. Arguments that are not valid UTF-8, or
// that contain bytes which look like framing, round-trip unchanged.
package proto
