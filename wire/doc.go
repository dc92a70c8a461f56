// Package wire implements the low-level DBus wire format: aligned
// reads and writes of typed values, driven by DBus type signatures.
//
// The API deliberately exposes the protocol's raw shape. Clients of
// this package are expected to be generated or reflective codecs, not
// application code.
package wire
