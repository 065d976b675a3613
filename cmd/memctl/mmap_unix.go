//go:build linux || darwin

package main

import "github.com/joshuapare/kmem/mem/vm"

func openMmap() (vm.Provider, func(), error) {
	m := vm.NewMmap()
	return m, func() { _ = m.Close() }, nil
}
