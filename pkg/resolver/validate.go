package resolver

import "strings"

// ValidateQuery implements the resolver's input validation rules ahead of
// scoring. args is the raw decoded JSON arguments object for resolve_intent;
// it may be nil if the caller sent no arguments object at all.
func ValidateQuery(args map[string]any) (query string, errMessage string) {
	if args == nil {
		return "", "args must be an object"
	}

	raw, ok := args["query"]
	if !ok {
		return "", "query is empty"
	}

	str, ok := raw.(string)
	if !ok {
		return "", "query must be a string"
	}

	if strings.TrimSpace(str) == "" {
		return "", "query is empty"
	}

	return str, ""
}
