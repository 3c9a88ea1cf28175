//go:build !darwin && !linux

package plugin

import "github.com/pkg/errors"

func nativeOpener([]string) Opener {
	return func(name string, major uint32) (Library, error) {
		return nil, errors.Wrap(ErrUnsupported, LibraryFileName(name, major))
	}
}
