package proactor

import (
	"sync"

	"github.com/fzft/go-proactor/ioerr"
)

var (
	defaultOnce sync.Once
	defaultMu   sync.Mutex
	defaultP    *Proactor
	defaultErr  error
	defaultDone bool
	defaultOpts []Option
)

// ConfigureDefault sets the options Default creates the proactor with. It
// fails with ioerr.ErrBusy once the default proactor exists.
func ConfigureDefault(opts ...Option) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultP != nil || defaultDone {
		return ioerr.ErrBusy
	}
	defaultOpts = append([]Option(nil), opts...)
	return nil
}

// Default returns the process-wide proactor, creating it on first use. It is
// torn down only by Shutdown; afterwards Default fails with ioerr.ErrClosed.
func Default() (*Proactor, error) {
	defaultOnce.Do(func() {
		defaultMu.Lock()
		defer defaultMu.Unlock()
		if !defaultDone {
			defaultP, defaultErr = New(defaultOpts...)
		}
	})
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultDone {
		return nil, ioerr.ErrClosed
	}
	return defaultP, defaultErr
}

// Shutdown destroys the default proactor if it was ever created.
func Shutdown() error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultDone {
		return nil
	}
	defaultDone = true
	if defaultP == nil {
		return nil
	}
	return defaultP.Destroy()
}
