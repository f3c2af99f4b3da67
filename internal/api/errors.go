package api

import "fmt"

// Kind classifies why an inspection request produced no tunnel list.
type Kind int

const (
	// KindUnreachable is a transport failure: refused, timed out, DNS.
	KindUnreachable Kind = iota + 1
	// KindUnavailable is a response with a non-2xx status.
	KindUnavailable
	// KindMalformed is a 2xx response whose body is not JSON.
	KindMalformed
	// KindOversized is a 2xx response whose body exceeds the read limit.
	KindOversized
)

func (k Kind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindUnavailable:
		return "unavailable"
	case KindMalformed:
		return "malformed"
	case KindOversized:
		return "oversized"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// InspectionError is returned by Client.Tunnels for every failed request.
type InspectionError struct {
	Kind       Kind
	URL        string
	StatusCode int // set for KindUnavailable
	Err        error
}

func (e *InspectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("inspect %s: %s", e.URL, e.Kind)
	}
	return fmt.Sprintf("inspect %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *InspectionError) Unwrap() error {
	return e.Err
}
