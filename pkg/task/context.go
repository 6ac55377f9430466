package task

import "context"

type envKey struct{}

// NewContext returns a context carrying the task environment. The Env is
// mutable: workers rebind Exec and Worker before each resume.
func NewContext(parent context.Context, env *Env) context.Context {
	return context.WithValue(parent, envKey{}, env)
}

// EnvFromContext returns the task environment carried by ctx, or nil when
// ctx does not belong to a task or worker.
func EnvFromContext(ctx context.Context) *Env {
	env, _ := ctx.Value(envKey{}).(*Env)
	return env
}

// FromContext returns the current task, or nil when ctx does not belong to
// a task.
func FromContext(ctx context.Context) *Task {
	if env := EnvFromContext(ctx); env != nil {
		return env.Task
	}
	return nil
}

// ExecutorFromContext returns the executor driving the current task, or nil.
func ExecutorFromContext(ctx context.Context) Executor {
	if env := EnvFromContext(ctx); env != nil {
		return env.Exec
	}
	return nil
}
