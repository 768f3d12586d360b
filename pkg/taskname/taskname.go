package taskname

const (
	// Transaction tasks
	TransactionRetry = "transaction:retry"
)
