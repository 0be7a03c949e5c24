package async

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/wuayee/fitbroker/internal/runtime/errors"
	loggingpkg "github.com/wuayee/fitbroker/internal/runtime/logging"
)

type recordingLogger struct {
	mu     sync.Mutex
	errors []error
}

func (l *recordingLogger) With(loggingpkg.LogFields) loggingpkg.ServiceLogger { return l }
func (l *recordingLogger) Debug(string, loggingpkg.LogFields)                 {}
func (l *recordingLogger) Info(string, loggingpkg.LogFields)                  {}
func (l *recordingLogger) Trace(string, loggingpkg.LogFields)                 {}

func (l *recordingLogger) Error(_ string, err error, _ loggingpkg.LogFields) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, err)
}

func (l *recordingLogger) logged() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errors...)
}

// inlineExecutor runs tasks on the calling goroutine.
type inlineExecutor struct {
	mu    sync.Mutex
	tasks int
}

func (e *inlineExecutor) Execute(task Task) error {
	e.mu.Lock()
	e.tasks++
	e.mu.Unlock()
	task()
	return nil
}

func TestInterceptorResolution(t *testing.T) {
	interceptor := NewInterceptor(nil)
	defer interceptor.Close(context.Background())

	named := &inlineExecutor{}
	interceptor.RegisterModule("weather", ModuleExecutors{Named: map[string]Executor{"io": named}})

	exec, err := interceptor.Resolve("weather", "io")
	require.NoError(t, err)
	assert.Same(t, named, exec)

	first, err := interceptor.Resolve("weather", "")
	require.NoError(t, err)
	pool, ok := first.(*PoolExecutor)
	require.True(t, ok, "unnamed executor defaults to a pool")
	assert.Equal(t, DefaultPoolConfig(), pool.Config())

	second, err := interceptor.Resolve("weather", "")
	require.NoError(t, err)
	assert.Same(t, first, second, "resolution is cached")

	other, err := interceptor.Resolve("news", "")
	require.NoError(t, err)
	assert.NotSame(t, first, other, "pools are per module")

	_, err = interceptor.Resolve("weather", "missing")
	assert.Equal(t, errspkg.KindInvalid, errspkg.KindOf(err))
}

func TestInterceptorModuleDefault(t *testing.T) {
	interceptor := NewInterceptor(nil)
	defer interceptor.Close(context.Background())

	custom := &inlineExecutor{}
	interceptor.RegisterModule("weather", ModuleExecutors{Default: custom})

	var ran bool
	require.NoError(t, interceptor.Submit("weather", "", func(context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
	assert.Equal(t, 1, custom.tasks)

	replacement := &inlineExecutor{}
	interceptor.RegisterModule("weather", ModuleExecutors{Default: replacement})
	exec, err := interceptor.Resolve("weather", "")
	require.NoError(t, err)
	assert.Same(t, replacement, exec, "re-registration drops cached resolution")
}

func TestInterceptorRoutesFailuresToHandler(t *testing.T) {
	interceptor := NewInterceptor(nil)
	defer interceptor.Close(context.Background())

	var handled []error
	interceptor.RegisterModule("weather", ModuleExecutors{
		Default: &inlineExecutor{},
		OnError: func(module, executor string, err error) {
			assert.Equal(t, "weather", module)
			assert.Equal(t, "", executor)
			handled = append(handled, err)
		},
	})

	boom := errors.New("upstream down")
	require.NoError(t, interceptor.Submit("weather", "", func(context.Context) error { return boom }))
	require.NoError(t, interceptor.Submit("weather", "", func(context.Context) error { panic("nil pointer") }))

	require.Len(t, handled, 2)
	assert.ErrorIs(t, handled[0], boom)
	assert.Contains(t, handled[1].Error(), "nil pointer")
}

func TestInterceptorLogsAndDrops(t *testing.T) {
	log := &recordingLogger{}
	interceptor := NewInterceptor(log)
	defer interceptor.Close(context.Background())

	boom := errors.New("upstream down")
	require.NoError(t, interceptor.Submit("weather", "", func(context.Context) error { return boom }))

	require.Eventually(t, func() bool { return len(log.logged()) == 1 }, time.Second, time.Millisecond)
	assert.ErrorIs(t, log.logged()[0], boom)
}

func TestInterceptorSaturation(t *testing.T) {
	interceptor := NewInterceptor(nil)
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(10)

	block := func(context.Context) error {
		started.Done()
		<-release
		return nil
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, interceptor.Submit("weather", "", block))
	}
	started.Wait()

	require.NoError(t, interceptor.Submit("weather", "", func(context.Context) error { return nil }))
	err := interceptor.Submit("weather", "", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, errspkg.ErrRejected)

	close(release)
	require.NoError(t, interceptor.Close(context.Background()))
}

func TestInterceptorUnregisterModule(t *testing.T) {
	interceptor := NewInterceptor(nil)
	defer interceptor.Close(context.Background())

	interceptor.RegisterModule("weather", ModuleExecutors{Named: map[string]Executor{"io": &inlineExecutor{}}})
	_, err := interceptor.Resolve("weather", "")
	require.NoError(t, err)

	require.NoError(t, interceptor.UnregisterModule(context.Background(), "weather"))
	_, err = interceptor.Resolve("weather", "io")
	assert.Error(t, err)
}

func TestInterceptorDefaultPoolSize(t *testing.T) {
	interceptor := NewInterceptor(nil)
	defer interceptor.Close(context.Background())

	interceptor.SetDefaultPool(PoolConfig{Core: 1, Max: 2, Queue: 3})
	exec, err := interceptor.Resolve("reports", "")
	require.NoError(t, err)

	pool, ok := exec.(*PoolExecutor)
	require.True(t, ok)
	assert.Equal(t, 2, pool.Config().Max)
	assert.Equal(t, 3, pool.Config().Queue)
	assert.Equal(t, DefaultPoolConfig().KeepAlive, pool.Config().KeepAlive)
}
