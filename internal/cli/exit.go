package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/tollgate/internal/control"
)

const stopTimeout = 15 * time.Second

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code int
	Msg  string
}

func (e *ExitError) Error() string {
	return e.Msg
}

// errRejected is returned by reserve when the budget does not allow the call.
var errRejected = &ExitError{Code: 2, Msg: "budget rejected"}

func exitCode(err error) int {
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	return 1
}

type stopper interface {
	Stop(ctx context.Context) error
}

// withApp builds the application, runs fn and always stops the app so
// connections are closed whatever fn returns.
func withApp(fn func(ctx context.Context, app *control.App) error) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	return runAndStop(app, fn)
}

func runAndStop[A stopper](app A, fn func(ctx context.Context, app A) error) (err error) {
	ctx := context.Background()
	defer func() {
		stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
		defer cancel()
		if stopErr := app.Stop(stopCtx); stopErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to stop: %w", stopErr))
		}
	}()
	return fn(ctx, app)
}
