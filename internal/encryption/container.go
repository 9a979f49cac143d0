package encryption

import (
	"fmt"

	"efv-go/internal/efv"
)

var magic = [3]byte{'E', 'F', 'V'}

func header(major uint8) []byte {
	return []byte{magic[0], magic[1], magic[2], major, 0}
}

// DetectVersion returns the major version if b starts with a container
// header.
func DetectVersion(b []byte) (uint8, bool) {
	if len(b) < efv.HeaderSize {
		return 0, false
	}
	if b[0] != magic[0] || b[1] != magic[1] || b[2] != magic[2] {
		return 0, false
	}
	return b[3], true
}

// checkHeader classifies the first bytes of a container.
func checkHeader(b []byte) (uint8, error) {
	if len(b) < efv.HeaderSize {
		return 0, fmt.Errorf("%w: %d byte header", efv.ErrCorruptContainer, len(b))
	}
	major, ok := DetectVersion(b)
	if !ok {
		return 0, fmt.Errorf("%w: bad magic", efv.ErrUnsupportedFormat)
	}
	switch major {
	case efv.TargetMajor, efv.LegacyMajor:
		return major, nil
	default:
		return 0, fmt.Errorf("%w: version %d", efv.ErrUnsupportedFormat, major)
	}
}
