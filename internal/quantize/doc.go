// Package quantize converts between platform-level continuous values and
// vendor-level discrete ones.
//
// Fan speed is exposed to the platform as a 0-100 percentage while the
// vendor only knows N ordered speed levels. The mapping is lossy but
// monotonic: a higher percentage never selects a lower level, and a higher
// level never reports a lower percentage.
//
// Preset modes are mapped by exact label lookup. Unknown names are rejected
// with attribute.ErrInvalidValue rather than coerced.
package quantize
