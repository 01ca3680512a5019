package scheduler

const (
	messageExecuted = "Tasks executed successfully"
	messageNoTasks  = "No tasks registered"
	messagePartial  = "%d of %d tasks failed"
)
