package trust

import (
	"crypto/sha1"
	"encoding/binary"

	colorful "github.com/lucasb-eyer/go-colorful"

	"github.com/matheus3301/postbox/internal/store"
)

// Color returns the contact color for addr as "#rrggbb" using Consistent
// Color Generation (XEP-0392): the hue is the first two bytes of SHA-1 of
// the normalized address, read little-endian, in HSLuv at full saturation
// and half lightness.
func Color(addr string) string {
	sum := sha1.Sum([]byte(store.NormalizeAddr(addr)))
	angle := float64(binary.LittleEndian.Uint16(sum[:2])) / 65536.0 * 360.0
	return colorful.HSLuv(angle, 1.0, 0.5).Clamped().Hex()
}
