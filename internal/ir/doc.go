// Package ir provides the foundational value and identity types for procflow.
//
// This package contains leaf types only. All other internal packages
// import ir; ir imports nothing internal. This keeps the data model and the
// handle type free of storage or engine concerns.
//
// Key design constraints:
//   - Handles are pure indirection: a Handle[T] never encodes structure.
//   - NO float types in Value (use Int). Floats break canonical hashing.
//   - All JSON produced for persistence sorts object keys deterministically.
package ir
