package csap

import "strings"

// Resolve normalizes input against base (the session's absolute cwd)
// or root (when input is an absolute path), rejecting any attempt to
// walk above root. It never touches the filesystem; callers check
// existence and permissions separately.
//
// The shape follows the teacher's path-segment walk in fs.go/node.go
// (split on "/", walk one segment at a time, ".." pops to the parent)
// collapsed from a []string walk array into a single normalize-and-join
// pass, since the wire protocol here carries one path token per
// command rather than a 9P Twalk array.
func Resolve(root, base string, input string) (string, error) {
	if input == "" {
		return "", errInvalid("empty path")
	}

	var candidate string
	if strings.HasPrefix(input, "/") {
		candidate = joinPath(root, input)
	} else {
		candidate = joinPath(base, "/"+input)
	}

	return normalize(candidate, root)
}

// IsWithin reports whether child equals parent or is a descendant of
// it. Both paths must already be normalized; this is a pure string
// comparison, no filesystem access.
func IsWithin(parent, child string) bool {
	if child == parent {
		return true
	}
	if parent == "/" {
		return strings.HasPrefix(child, "/")
	}
	return strings.HasPrefix(child, parent+"/")
}

func joinPath(a, b string) string {
	if strings.HasSuffix(a, "/") {
		a = strings.TrimSuffix(a, "/")
	}
	return a + b
}

// normalize collapses "." and ".." segments and rejects ascent above
// root. The result always begins with "/" and never ends with "/"
// unless it equals root exactly as "/".
func normalize(p string, root string) (string, error) {
	segments := strings.Split(p, "/")
	stack := make([]string, 0, len(segments))

	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(stack) == 0 {
				return "", errInvalid("path escapes root")
			}
			stack = stack[:len(stack)-1]
		default:
			stack = append(stack, seg)
		}
	}

	result := "/" + strings.Join(stack, "/")
	if result != "/" {
		result = strings.TrimSuffix(result, "/")
	}

	if !IsWithin(root, result) {
		return "", errInvalid("path escapes root")
	}
	return result, nil
}
