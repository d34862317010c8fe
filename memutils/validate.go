package memutils

// Validatable is used by the DebugValidate method to allow it to act upon
// all types with a Validate method
type Validatable interface {
	Validate() error
}

const (
	// AllocatedFillPattern is written across fresh payloads by DebugFill
	AllocatedFillPattern byte = 0xDC
	// ReleasedFillPattern is written across released payloads by DebugFill
	ReleasedFillPattern byte = 0xEF
)
