package cache

import "context"

// The source framework cached methods with annotations. Here callers wrap
// the unit of work explicitly: the combinators below replace a function's
// body with "derive key from name and argument, delegate to the engine with
// the original body as provider".

// Resolver resolves a dependency by name. It is supplied by the composition
// root and is opaque to the engine; the only use here is evaluating dynamic
// TTL functions.
type Resolver func(target string) any

// TTL is either a static number of seconds or a function evaluated fresh on
// every call with the configured resolver. Func wins when both are set.
type TTL struct {
	Seconds int
	Func    func(Resolver) int
}

func (t TTL) eval(r Resolver) int {
	if t.Func != nil {
		return t.Func(r)
	}
	return t.Seconds
}

// WrapOptions configures a cached function wrapper.
type WrapOptions struct {
	// Key overrides the derived cache key base. When empty, Owner.Method is
	// used.
	Key string
	// Owner and Method name the wrapped unit of work, typically the owning
	// type and method name.
	Owner  string
	Method string
	// TTL for cached values. Zero means no expiry.
	TTL TTL
	// Resolver passed to dynamic TTL functions.
	Resolver Resolver
}

func (o WrapOptions) base() string {
	if o.Key != "" {
		return o.Key
	}
	return o.Owner + "." + o.Method
}

// L1Cached returns fn wrapped with the engine's L1 path. The cache key is
// the key base concatenated with the canonicalized call argument.
func L1Cached[A, R any](e *Engine, fn func(ctx context.Context, arg A) (R, error), opts WrapOptions) func(ctx context.Context, arg A) (R, error) {
	base := opts.base()
	return func(ctx context.Context, arg A) (R, error) {
		param := []any{base, arg}
		blob, err := e.L1(ctx, param, func(ctx context.Context) ([]byte, error) {
			v, err := fn(ctx, arg)
			if err != nil {
				return nil, err
			}
			return e.codec.Marshal(v)
		}, opts.TTL.eval(opts.Resolver))
		return decodeAs[R](e, blob, err)
	}
}

// L2Cached returns fn wrapped with the engine's L2 path.
func L2Cached[A, R any](e *Engine, fn func(ctx context.Context, arg A) (R, error), opts WrapOptions) func(ctx context.Context, arg A) (R, error) {
	base := opts.base()
	return func(ctx context.Context, arg A) (R, error) {
		param := []any{base, arg}
		blob, err := e.L2(ctx, param, func(ctx context.Context) ([]byte, error) {
			v, err := fn(ctx, arg)
			if err != nil {
				return nil, err
			}
			return e.codec.Marshal(v)
		}, opts.TTL.eval(opts.Resolver))
		return decodeAs[R](e, blob, err)
	}
}

// L1As runs the typed provider through the L1 path, encoding the result
// with the engine codec.
func L1As[T any](ctx context.Context, e *Engine, param any, fn func(ctx context.Context) (T, error), ttlSeconds int) (T, error) {
	blob, err := e.L1(ctx, param, func(ctx context.Context) ([]byte, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return e.codec.Marshal(v)
	}, ttlSeconds)
	return decodeAs[T](e, blob, err)
}

// L2As runs the typed provider through the L2 path.
func L2As[T any](ctx context.Context, e *Engine, param any, fn func(ctx context.Context) (T, error), ttlSeconds int) (T, error) {
	blob, err := e.L2(ctx, param, func(ctx context.Context) ([]byte, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return e.codec.Marshal(v)
	}, ttlSeconds)
	return decodeAs[T](e, blob, err)
}

func decodeAs[T any](e *Engine, blob []byte, err error) (T, error) {
	var out T
	if err != nil || blob == nil {
		return out, err
	}
	if err := e.codec.Unmarshal(blob, &out); err != nil {
		return out, err
	}
	return out, nil
}
