package docstore

import (
	"fmt"
	"strings"
)

func segments(p string) ([]string, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	parts := strings.Split(p, "/")
	for _, s := range parts {
		if s == "" || s == "." || s == ".." {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	return parts, nil
}

// DocPath validates and normalizes a document path.
func DocPath(p string) (string, error) {
	parts, err := segments(p)
	if err != nil {
		return "", err
	}
	if len(parts)%2 != 0 {
		return "", fmt.Errorf("%w: %q is a collection", ErrInvalidPath, p)
	}
	return strings.Join(parts, "/"), nil
}

// CollectionPath validates and normalizes a collection path.
func CollectionPath(p string) (string, error) {
	parts, err := segments(p)
	if err != nil {
		return "", err
	}
	if len(parts)%2 != 1 {
		return "", fmt.Errorf("%w: %q is a document", ErrInvalidPath, p)
	}
	return strings.Join(parts, "/"), nil
}

// Split returns the parent collection and id of a normalized document path.
func Split(doc string) (collection, id string) {
	i := strings.LastIndexByte(doc, '/')
	if i < 0 {
		return "", doc
	}
	return doc[:i], doc[i+1:]
}
