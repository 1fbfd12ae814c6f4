package ledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation string
	UserID    UserID
	Reference string
	Amount    Credits
	Balance   Credits
	Status    string
	Error     error
}

// BalanceChange is published after a committed balance mutation.
type BalanceChange struct {
	UserID    string    `json:"user_id"`
	Credits   int64     `json:"credits"`
	Delta     int64     `json:"delta"`
	Type      EntryType `json:"type"`
	Reference string    `json:"reference,omitempty"`
	AtUnixUTC int64     `json:"at_unix_utc"`
}

// BalanceObserver receives committed balance changes.
type BalanceObserver interface {
	BalanceChanged(ctx context.Context, change BalanceChange)
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithBalanceObserver wires a subscriber for committed balance changes.
func WithBalanceObserver(observer BalanceObserver) ServiceOption {
	return func(service *Service) {
		service.observer = observer
	}
}

// WithIDGenerator overrides how charge ids are minted.
func WithIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		if generate != nil {
			service.newID = generate
		}
	}
}
