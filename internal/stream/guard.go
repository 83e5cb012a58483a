package stream

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/domain"
)

// Guard runs fn while holding mu. A panic inside fn is recovered and logged
// so the lock is always released; the zero value of T is returned in that
// case and the converter stays usable for later frames.
func Guard[T any](mu *sync.Mutex, logger *slog.Logger, op string, fn func() T) (out T) {
	mu.Lock()
	defer mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			if logger == nil {
				logger = slog.Default()
			}
			logger.Error("recovered panic in stream converter",
				slog.String("op", op),
				slog.Any("panic", r),
			)
			var zero T
			out = zero
		}
	}()
	return fn()
}

// GuardErr is Guard for functions that also return an error. A recovered
// panic is reported as an encode error.
func GuardErr[T any](mu *sync.Mutex, logger *slog.Logger, op string, fn func() (T, error)) (out T, err error) {
	mu.Lock()
	defer mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			if logger == nil {
				logger = slog.Default()
			}
			logger.Error("recovered panic in stream converter",
				slog.String("op", op),
				slog.Any("panic", r),
			)
			var zero T
			out = zero
			err = domain.NewEncodeError("", fmt.Sprintf("recovered panic in %s", op), nil)
		}
	}()
	return fn()
}
