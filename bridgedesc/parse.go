package bridgedesc

import (
	"fmt"
	"strings"
)

// ParseFullMethod parses a "/service/method" gRPC path. The method shape is left unset.
func ParseFullMethod(fullMethod string) (Method, error) {
	operation, ok := strings.CutPrefix(fullMethod, "/")
	if !ok {
		return Method{}, fmt.Errorf("malformed method name %q: missing leading slash", fullMethod)
	}

	return ParseOperation(operation)
}

// ParseOperation parses a "service/method" operation string, as sent in channel header frames.
func ParseOperation(operation string) (Method, error) {
	service, name, ok := strings.Cut(operation, "/")
	if !ok || service == "" || name == "" || strings.Contains(name, "/") {
		return Method{}, fmt.Errorf("malformed operation %q: expected service/method", operation)
	}

	return Method{Service: service, Name: name}, nil
}
