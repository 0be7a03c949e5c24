package dispatch

import (
	"context"
	"fmt"

	errspkg "github.com/wuayee/fitbroker/internal/runtime/errors"
	"github.com/wuayee/fitbroker/internal/runtime/identity"
	"github.com/wuayee/fitbroker/internal/runtime/jsoncodec"
)

// Executor runs a fitable with positional arguments.
type Executor func(ctx context.Context, args []any) (any, error)

// LocalExecutor binds a fitable hosted by this process to its implementation.
// Async executors run on the named executor of Module through the async
// interceptor and never report their result to the caller.
type LocalExecutor struct {
	Fitable      identity.Fitable
	Module       string
	Async        bool
	ExecutorName string
	Invoke       Executor
}

// Func0 adapts a function without arguments.
func Func0[R any](fn func(ctx context.Context) (R, error)) Executor {
	return func(ctx context.Context, args []any) (any, error) {
		if err := checkArity(args, 0); err != nil {
			return nil, err
		}
		return fn(ctx)
	}
}

// Func adapts a single argument function. The argument is converted from
// its decoded form when it is not already an A.
func Func[A, R any](fn func(ctx context.Context, a A) (R, error)) Executor {
	return func(ctx context.Context, args []any) (any, error) {
		if err := checkArity(args, 1); err != nil {
			return nil, err
		}
		a, err := convertArg[A](args, 0)
		if err != nil {
			return nil, err
		}
		return fn(ctx, a)
	}
}

// Func2 adapts a two argument function.
func Func2[A, B, R any](fn func(ctx context.Context, a A, b B) (R, error)) Executor {
	return func(ctx context.Context, args []any) (any, error) {
		if err := checkArity(args, 2); err != nil {
			return nil, err
		}
		a, err := convertArg[A](args, 0)
		if err != nil {
			return nil, err
		}
		b, err := convertArg[B](args, 1)
		if err != nil {
			return nil, err
		}
		return fn(ctx, a, b)
	}
}

// Func3 adapts a three argument function.
func Func3[A, B, C, R any](fn func(ctx context.Context, a A, b B, c C) (R, error)) Executor {
	return func(ctx context.Context, args []any) (any, error) {
		if err := checkArity(args, 3); err != nil {
			return nil, err
		}
		a, err := convertArg[A](args, 0)
		if err != nil {
			return nil, err
		}
		b, err := convertArg[B](args, 1)
		if err != nil {
			return nil, err
		}
		c, err := convertArg[C](args, 2)
		if err != nil {
			return nil, err
		}
		return fn(ctx, a, b, c)
	}
}

func checkArity(args []any, want int) error {
	if len(args) != want {
		return errspkg.New(errspkg.KindInvalid, "executor", "", fmt.Errorf("expected %d arguments, got %d", want, len(args)))
	}
	return nil
}

func convertArg[T any](args []any, i int) (T, error) {
	if v, ok := args[i].(T); ok {
		return v, nil
	}
	var out T
	if err := jsoncodec.Convert(args[i], &out); err != nil {
		return out, errspkg.New(errspkg.KindInvalid, "executor", "", fmt.Errorf("argument %d: %w", i, err))
	}
	return out, nil
}
