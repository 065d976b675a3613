//go:build !(linux || darwin)

package main

import (
	"errors"

	"github.com/joshuapare/kmem/mem/vm"
)

func openMmap() (vm.Provider, func(), error) {
	return nil, nil, errors.New("mmap provider is not available on this platform")
}
