package engine

import (
	"fmt"
	"io/fs"
)

// permBits maps positions 1..9 of a symbolic mode to permission bits.
var permBits = [9]fs.FileMode{
	0400, 0200, 0100,
	0040, 0020, 0010,
	0004, 0002, 0001,
}

const permLetters = "rwxrwxrwx"

// ParseMode converts a 10-character symbolic mode into permission bits.
// Position 0 (the type marker) is ignored; in positions 1..9 "-" means the
// bit is clear and any other character means it is set.
func ParseMode(mode string) (fs.FileMode, error) {
	if len(mode) != 10 {
		return 0, NewResourceError(ErrCodeValidation,
			fmt.Sprintf("mode %q must be exactly 10 characters, got %d", mode, len(mode)), nil).
			WithDetail("mode", mode)
	}
	var perm fs.FileMode
	for i, bit := range permBits {
		if mode[i+1] != '-' {
			perm |= bit
		}
	}
	return perm, nil
}

// RenderMode renders permission bits in canonical "rwx" form. The type
// marker is "d" for directories and "-" otherwise.
func RenderMode(perm fs.FileMode, dir bool) string {
	buf := make([]byte, 10)
	buf[0] = '-'
	if dir {
		buf[0] = 'd'
	}
	for i, bit := range permBits {
		if perm&bit != 0 {
			buf[i+1] = permLetters[i]
		} else {
			buf[i+1] = '-'
		}
	}
	return string(buf)
}

// ValidateMode reports whether mode is empty or has the required length.
func ValidateMode(mode string) error {
	if mode == "" {
		return nil
	}
	_, err := ParseMode(mode)
	return err
}
