//go:build debug_mem_utils

package memutils

const (
	// DebugEnabled reports whether memutils was built with the debug_mem_utils build tag
	DebugEnabled bool = true
)

// DebugFill overwrites a payload with an easy-to-identify byte pattern so that reads of
// uninitialized or released memory stand out. This method no-ops unless the debug_mem_utils
// build tag is present.
func DebugFill(payload []byte, pattern byte) {
	for i := range payload {
		payload[i] = pattern
	}
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}
