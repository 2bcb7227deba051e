package taskqueue

import "context"

type taskKey struct{}

// TaskInfo describes the task a context belongs to.
type TaskInfo struct {
	ID   string
	Type TaskType
}

func withTask(ctx context.Context, id string, typ TaskType) context.Context {
	return context.WithValue(ctx, taskKey{}, TaskInfo{ID: id, Type: typ})
}

// CurrentTask returns the task ctx was created for, if any.
func CurrentTask(ctx context.Context) (TaskInfo, bool) {
	info, ok := ctx.Value(taskKey{}).(TaskInfo)
	return info, ok
}

// InTask reports whether ctx belongs to a task running on a queue.
func InTask(ctx context.Context) bool {
	_, ok := CurrentTask(ctx)
	return ok
}
