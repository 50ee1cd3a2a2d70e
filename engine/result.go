package engine

// Void is the value type of calls that only report success or failure.
type Void = struct{}

// Callback receives the outcome of a call whose Result was Pending. It may run on
// any goroutine and runs exactly once.
type Callback[T any] func(T, error)

// Result is what every potentially asynchronous engine call returns: either the
// outcome (Ready) or Pending, in which case the callback passed to the call
// fires later. A Ready result never invokes the callback.
type Result[T any] struct {
	value   T
	err     error
	pending bool
}

// Done returns a Ready result.
func Done[T any](v T, err error) Result[T] {
	return Result[T]{value: v, err: err}
}

// Async returns a Pending result.
func Async[T any]() Result[T] {
	return Result[T]{pending: true}
}

// Pending reports whether the outcome will be delivered to the callback.
func (r Result[T]) Pending() bool {
	return r.pending
}

// Get returns the outcome of a Ready result.
func (r Result[T]) Get() (T, error) {
	return r.value, r.err
}

// Err returns the error of a Ready result.
func (r Result[T]) Err() error {
	return r.err
}

// Await runs call and blocks until its outcome is known, whichever way it completes.
func Await[T any](call func(done Callback[T]) Result[T]) (T, error) {
	var (
		value T
		err   error
	)
	ch := make(chan struct{})
	r := call(func(v T, e error) {
		value, err = v, e
		close(ch)
	})
	if !r.Pending() {
		return r.Get()
	}
	<-ch
	return value, err
}
