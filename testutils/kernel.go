package testutils

import (
	"context"
	"testing"

	"go.labforge.io/labkernel/config"
	"go.labforge.io/labkernel/kernel"
	"go.labforge.io/labkernel/logging"
	"go.labforge.io/labkernel/module"
)

// NewKernel starts every one of decls on a fresh kernel and closes it when the test ends.
func NewKernel(t *testing.T, decls ...module.Declaration) *kernel.Kernel {
	t.Helper()
	cfg := &config.Config{}
	for _, decl := range decls {
		if err := cfg.Add(decl); err != nil {
			t.Fatal(err)
		}
	}
	k := kernel.New(cfg, logging.NewTestLogger(t))
	t.Cleanup(func() {
		if err := k.Close(context.Background()); err != nil {
			t.Error(err)
		}
	})
	if err := k.StartAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	return k
}
