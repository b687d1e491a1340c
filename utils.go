package websim

import "strings"

// NormalizePath removes a trailing slash from the path, except for the root "/".
// The simulator treats "/apples" and "/apples/" as the same resource.
func NormalizePath(path string) string {
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		return path[:len(path)-1]
	}
	return path
}
