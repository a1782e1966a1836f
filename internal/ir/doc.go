// Package ir provides the canonical transaction model for Synchrony.
//
// This package holds types and pure functions only. All other internal
// packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - NO float values anywhere: state must compare bit-for-bit
//   - Canonical JSON (RFC 8785) is the only encoding used for hashing
//   - Hashes use domain separation: SHA256(domain + 0x00 + data)
//   - Read/write sets are declared before execution and over-approximate
//     the accesses an Effect performs
package ir
