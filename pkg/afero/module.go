package afero

import (
	"github.com/spf13/afero"
	"go.uber.org/fx"
)

var fs = NewOsFs()

// Module makes the process-wide afero.Fs available to fx consumers, both as
// this package's Fs and as the standard spf13 afero.Fs.
var Module fx.Option = fx.Provide(
	func() Fs { return fs },
	func() afero.Fs { return fs },
)

// NewOsFs returns an Fs backed by the operating system filesystem.
func NewOsFs() Fs {
	return afero.NewOsFs()
}

// NewMemMapFs returns an in-memory Fs for tests.
func NewMemMapFs() Fs {
	return afero.NewMemMapFs()
}
