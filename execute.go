package slotlock

import "context"

// Execute runs body while holding a slot. The slot is released on every exit
// path, including a panic in body, before Execute returns. body's error is
// returned unchanged.
func (m *Manager) Execute(ctx context.Context, body func(context.Context) error) error {
	_, err := ExecuteValue(ctx, m, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, body(ctx)
	})
	return err
}

// ExecuteValue is Execute for a body producing a result.
func ExecuteValue[T any](ctx context.Context, m *Manager, body func(context.Context) (T, error)) (T, error) {
	t, err := m.Acquire(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	defer m.Release(t)

	return body(ctx)
}
