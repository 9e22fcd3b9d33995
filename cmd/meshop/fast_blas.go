//go:build netlib

package main

// Registers the system BLAS (Accelerate on macOS, OpenBLAS on Linux) for the
// dot program. Needs cgo.

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas64.Use(netlib.Implementation{})
	log.Debug().Msg("netlib BLAS enabled")
}
