package session

import (
	"context"
	"sync"
)

// Result результат асинхронной операции сессии. Разрешается ровно один раз:
// повторные попытки разрешения игнорируются.
type Result struct {
	once sync.Once
	done chan struct{}

	mu        sync.Mutex
	err       error
	callbacks []func(error)
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

// resolvedResult возвращает уже разрешенный результат
func resolvedResult(err error) *Result {
	r := newResult()
	r.resolve(err)
	return r
}

// resolve фиксирует результат и вызывает подписчиков. Возвращает false,
// если результат уже был разрешен.
func (r *Result) resolve(err error) bool {
	resolved := false
	r.once.Do(func() {
		r.mu.Lock()
		r.err = err
		callbacks := r.callbacks
		r.callbacks = nil
		close(r.done)
		r.mu.Unlock()

		for _, cb := range callbacks {
			cb(err)
		}
		resolved = true
	})
	return resolved
}

// Done возвращает канал, закрываемый при разрешении
func (r *Result) Done() <-chan struct{} {
	return r.done
}

// Err возвращает ошибку операции. До разрешения возвращает nil.
func (r *Result) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Wait блокируется до разрешения или отмены контекста
func (r *Result) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnComplete регистрирует продолжение. Если результат уже разрешен,
// fn вызывается сразу в текущей горутине.
func (r *Result) OnComplete(fn func(err error)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	select {
	case <-r.done:
		err := r.err
		r.mu.Unlock()
		fn(err)
		return
	default:
	}
	r.callbacks = append(r.callbacks, fn)
	r.mu.Unlock()
}
