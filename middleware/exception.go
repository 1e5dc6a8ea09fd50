package middleware

import (
	"context"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-pipeline/types"
	"github.com/saiset-co/sai-pipeline/utils"
)

var internalErrorBody = []byte(`{"detail":"Internal Server Error","status_code":500}`)

// Exception is the innermost layer of every composed stack. It converts
// panics and handler errors into a 500 response when the response has not
// started yet, so outer middlewares always observe a complete exchange.
type Exception struct {
	logger       types.Logger
	metrics      types.MetricsManager
	stackBufPool sync.Pool
	panicLabels  map[string]string
}

func NewException(logger types.Logger, metrics types.MetricsManager) *Exception {
	return &Exception{
		logger:  logger,
		metrics: metrics,

		stackBufPool: sync.Pool{
			New: func() interface{} {
				buf := make([]byte, 4096)
				return &buf
			},
		},

		panicLabels: map[string]string{
			"middleware": "exception",
		},
	}
}

func (e *Exception) Wrap(next types.App) types.App {
	return func(ctx context.Context, scope *types.Scope, receive types.Receive, send types.Send) error {
		started := false
		wrappedSend := func(ctx context.Context, msg *types.Message) error {
			if msg.Type == types.MessageResponseStart {
				started = true
			}
			return send(ctx, msg)
		}

		err := e.run(ctx, scope, receive, wrappedSend, next)
		if err == nil {
			return nil
		}

		e.logger.Error("Request handler failed",
			zap.Error(err),
			zap.String("method", scope.Method),
			zap.String("path", scope.Path),
		)

		if started {
			return err
		}
		return e.sendInternalError(ctx, wrappedSend)
	}
}

func (e *Exception) run(ctx context.Context, scope *types.Scope, receive types.Receive, send types.Send, next types.App) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if e.metrics != nil {
				e.metrics.Counter("pipeline_panics_total", e.panicLabels).Inc()
			}
			e.logger.Error("Recovered from panic",
				zap.Any("panic", rec),
				zap.String("method", scope.Method),
				zap.String("path", scope.Path),
				zap.String("stack", e.stackTrace()),
			)
			err = types.NewErrorf("panic in handler: %v", rec)
		}
	}()

	return next(ctx, scope, receive, send)
}

func (e *Exception) sendInternalError(ctx context.Context, send types.Send) error {
	err := send(ctx, &types.Message{
		Type:   types.MessageResponseStart,
		Status: 500,
		Headers: [][2]string{
			{"content-type", "application/json"},
		},
	})
	if err != nil {
		return err
	}
	return send(ctx, &types.Message{
		Type: types.MessageResponseBody,
		Body: internalErrorBody,
	})
}

func (e *Exception) stackTrace() string {
	buf := e.stackBufPool.Get().(*[]byte)
	defer func() {
		*buf = (*buf)[:cap(*buf)]
		e.stackBufPool.Put(buf)
	}()

	n := runtime.Stack(*buf, false)

	if n == len(*buf) {
		newBuf := make([]byte, 65536)
		n = runtime.Stack(newBuf, false)
		return utils.BytesToString(newBuf[:n])
	}

	// copy before the buffer returns to the pool; the string outlives this
	// call
	return string((*buf)[:n])
}
