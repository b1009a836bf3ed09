// Package capability decides which platform controls a device exposes.
//
// Detection is a pure function of a device's attribute set: every attribute
// gets a baseline control (switch, number, select or sensor), and a power
// boolean plus a speed enumeration are folded into one composite fan control
// that hides their individual bindings. An optional mode enumeration becomes
// the fan's preset-mode source.
//
// Bindings are always recomputed from scratch and compared with Diff; they
// are never patched in place.
package capability
