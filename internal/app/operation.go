package app

// Operation statuses recorded in the operation log.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// VaultOperation tracks a CLI operation that may mutate the vault.
// Operations are created in memory with ID=0. Only mutating commands
// persist them, which gives them an id from the index's operation log.
type VaultOperation struct {
	ID         int64
	Operation  string
	Parameters string
	Status     string
}

// NewVaultOperation creates a new in-memory operation.
func NewVaultOperation(operation, parameters string) *VaultOperation {
	return &VaultOperation{
		Operation:  operation,
		Parameters: parameters,
		Status:     StatusSuccess,
	}
}

// Persisted returns true if this operation has been saved to the index.
func (op *VaultOperation) Persisted() bool {
	return op.ID != 0
}

// Fail marks the operation as failed if err is non-nil and returns err.
func (op *VaultOperation) Fail(err error) error {
	if err != nil {
		op.Status = StatusError
	}
	return err
}
