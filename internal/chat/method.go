package chat

import "strings"

// Method is one of the request methods the protocol understands.
type Method string

const (
	MethodGet    Method = "get"
	MethodPost   Method = "post"
	MethodPut    Method = "put"
	MethodDelete Method = "delete"
)

// Methods lists every supported method in a stable order.
var Methods = []Method{MethodGet, MethodPost, MethodPut, MethodDelete}

// ParseMethod lower-cases name and maps it onto a supported Method.
func ParseMethod(name string) (Method, bool) {
	m := Method(strings.ToLower(name))
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodDelete:
		return m, true
	}
	return "", false
}

// allowHeader is the Allow value sent with 405 responses.
func allowHeader() string {
	names := make([]string, len(Methods))
	for i, m := range Methods {
		names[i] = strings.ToUpper(string(m))
	}
	return strings.Join(names, ", ")
}
