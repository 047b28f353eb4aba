//go:build unix && !linux && !darwin && !dragonfly && !freebsd && !netbsd && !openbsd

package eventer

const defaultBackend = `poll`
