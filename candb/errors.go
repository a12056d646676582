package candb

import "errors"

var (
	ErrDuplicateKey      = errors.New("candb: database key already loaded")
	ErrKeyNotFound       = errors.New("candb: database key not found")
	ErrFrameNotFound     = errors.New("candb: frame not defined")
	ErrDecode            = errors.New("candb: decode failed")
	ErrEncode            = errors.New("candb: encode failed")
	ErrParse             = errors.New("candb: parse failed")
	ErrUnsupportedFormat = errors.New("candb: unsupported database format")
	ErrCollision         = errors.New("candb: frame ID already owned")
)

// IsNotFound reports whether err is a lookup miss (key or frame) rather than
// a malformed payload.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound) || errors.Is(err, ErrFrameNotFound)
}
