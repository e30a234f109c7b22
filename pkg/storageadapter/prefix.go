package storageadapter

import "context"

// PrefixedAdapter namespaces every key under a fixed prefix before
// delegating to the wrapped Adapter, so independent subsystems (e.g. the
// COW object store under _cow/) can share one physical backend without
// key collisions, and without the subsystem having to know its own
// storage-layout prefix.
type PrefixedAdapter struct {
	inner  Adapter
	prefix string
}

// NewPrefixed wraps inner so every key is namespaced under prefix.
func NewPrefixed(inner Adapter, prefix string) *PrefixedAdapter {
	return &PrefixedAdapter{inner: inner, prefix: prefix}
}

func (p *PrefixedAdapter) full(key string) string { return p.prefix + key }

func (p *PrefixedAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	return p.inner.Get(ctx, p.full(key))
}

func (p *PrefixedAdapter) Put(ctx context.Context, key string, data []byte) error {
	return p.inner.Put(ctx, p.full(key), data)
}

func (p *PrefixedAdapter) Delete(ctx context.Context, key string) error {
	return p.inner.Delete(ctx, p.full(key))
}

func (p *PrefixedAdapter) List(ctx context.Context, prefix string, opts ListOptions) (ListResult, error) {
	res, err := p.inner.List(ctx, p.full(prefix), opts)
	if err != nil {
		return ListResult{}, err
	}
	items := make([]string, len(res.Items))
	for i, k := range res.Items {
		if len(k) >= len(p.prefix) {
			items[i] = k[len(p.prefix):]
		} else {
			items[i] = k
		}
	}
	res.Items = items
	return res, nil
}

// Close is a no-op: the wrapped adapter is owned (and closed) elsewhere,
// since several PrefixedAdapters typically share one physical backend.
func (p *PrefixedAdapter) Close() error { return nil }
