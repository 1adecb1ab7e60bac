package backend

import "fmt"

// Kind classifies a FetchError.
type Kind int

const (
	// KindTransport covers connection, DNS and TLS failures.
	KindTransport Kind = iota
	// KindHTTPStatus is a response with a status other than 200.
	KindHTTPStatus
	// KindInvalidJSON is a 200 response whose body is not valid JSON.
	KindInvalidJSON
	// KindTimeout is a request which did not complete within the timeout.
	KindTimeout
	// KindCanceled is a request abandoned because the caller went away.
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindHTTPStatus:
		return "http-status"
	case KindInvalidJSON:
		return "invalid-json"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	}
	return "unknown"
}

// FetchError is returned by Client.Fetch. Its message is meant to be shown to
// dashboard users: it never includes response bodies beyond a short excerpt,
// nor the backend address.
type FetchError struct {
	Kind    Kind
	Path    string
	Status  int
	Excerpt string
	Err     error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case KindHTTPStatus:
		if e.Excerpt == "" {
			return fmt.Sprintf("backend returned HTTP %d for %s", e.Status, e.Path)
		}
		return fmt.Sprintf("backend returned HTTP %d for %s: %s", e.Status, e.Path, e.Excerpt)
	case KindInvalidJSON:
		return fmt.Sprintf("backend returned invalid JSON for %s", e.Path)
	case KindTimeout:
		return fmt.Sprintf("backend request for %s timed out", e.Path)
	case KindCanceled:
		return fmt.Sprintf("backend request for %s was canceled", e.Path)
	}
	// the cause names the backend address and stays in the logs
	return fmt.Sprintf("backend unreachable for %s", e.Path)
}

// Detail is Error plus the underlying cause, for logging.
func (e *FetchError) Detail() string {
	if e.Err == nil {
		return e.Error()
	}
	return fmt.Sprintf("%s: %v", e.Error(), e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
