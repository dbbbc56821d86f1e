package connerr

import "errors"

// Report is the structured presentation form of a connection error: a short
// title for the dialog header, a human-readable message, and the underlying
// detail for the expandable section.
type Report struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

var reportText = map[Kind]struct{ title, message string }{
	Validation:         {"Invalid connection settings", "A required connection field is missing or malformed."},
	Authentication:     {"Authentication failed", "The server rejected the supplied credentials."},
	HostUnreachable:    {"Host unreachable", "No route to the host. Check the address and your network."},
	ConnectionRefused:  {"Connection refused", "The host is up but nothing is listening on that port."},
	Timeout:            {"Connection timed out", "The host did not answer within the configured timeout."},
	Resolution:         {"Hostname not found", "The hostname could not be resolved. Check the spelling and DNS."},
	TargetNotFound:     {"Session not found", "No session exists with that id."},
	TargetNotConnected: {"Session not connected", "The session exists but its connection is not live."},
	PermissionDenied:   {"Permission denied", "The command was not approved for execution."},
	RetriesExhausted:   {"Reconnect failed", "The connection could not be re-established after all retry attempts."},
}

// ReportFor renders err into the {title, message, detail} triple. Errors
// outside the taxonomy get a generic title with the error text as detail.
func ReportFor(err error) Report {
	if err == nil {
		return Report{}
	}

	detail := err.Error()

	var ce *Error
	if errors.As(err, &ce) {
		if txt, ok := reportText[ce.Kind]; ok {
			return Report{Title: txt.title, Message: txt.message, Detail: detail}
		}
	}
	return Report{Title: "Connection error", Message: "An unexpected connection error occurred.", Detail: detail}
}
