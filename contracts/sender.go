package contracts

import "fmt"

// SenderType selects how a message is addressed.
type SenderType int

const (
	// Multi broadcasts to every queue bound to the fanout exchange.
	Multi SenderType = iota + 1
	// Any delivers to exactly one of the consumers competing on the shared queue.
	Any
	// Unique delivers directly to one named queue.
	Unique
)

// String returns the lower-case name used in logs, metrics and span tags.
func (s SenderType) String() string {
	switch s {
	case Multi:
		return "multi"
	case Any:
		return "any"
	case Unique:
		return "unique"
	default:
		return fmt.Sprintf("sender(%d)", int(s))
	}
}

// ParseSenderType is the inverse of String.
func ParseSenderType(s string) (SenderType, error) {
	switch s {
	case "multi":
		return Multi, nil
	case "any":
		return Any, nil
	case "unique":
		return Unique, nil
	}
	return 0, fmt.Errorf("unknown sender type %q", s)
}
