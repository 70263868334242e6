// Package hooking lets observers attach to queues, pools and routers without
// those components knowing who is watching.
package hooking

// HookPos names a place where a hook can fire.
type HookPos struct {
	Name string
}

// HookCtx describes one firing of a hook.
type HookCtx struct {
	Domain Hookable
	Pos    *HookPos
	Item   any
	Detail any
}

// Hookable is implemented by components that hooks can attach to. Hooks are
// attached before the component runs and are never removed.
type Hookable interface {
	Name() string
	AcceptHook(hook Hook)
	NumHooks() int
}

// Hook observes a Hookable.
type Hook interface {
	Func(ctx HookCtx)
}

// HookableBase keeps the hook list for a Hookable.
type HookableBase struct {
	hooks []Hook
}

// NewHookableBase returns an empty HookableBase.
func NewHookableBase() *HookableBase {
	return &HookableBase{}
}

// NumHooks returns how many hooks are attached.
func (b *HookableBase) NumHooks() int {
	return len(b.hooks)
}

// AcceptHook attaches a hook. Attaching the same hook twice panics.
func (b *HookableBase) AcceptHook(hook Hook) {
	for _, h := range b.hooks {
		if h == hook {
			panic("hooking: hook attached twice")
		}
	}

	b.hooks = append(b.hooks, hook)
}

// InvokeHook calls every attached hook in the order they were attached.
func (b *HookableBase) InvokeHook(ctx HookCtx) {
	for _, h := range b.hooks {
		h.Func(ctx)
	}
}
