package protocol

import (
	"fmt"
	"strings"
)

// SplitNodeName splits "alias@host" into its parts.
func SplitNodeName(node string) (alias, host string, err error) {
	alias, host, ok := strings.Cut(node, "@")
	if !ok || alias == "" || host == "" || strings.Contains(host, "@") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidNodeName, node)
	}
	return alias, host, nil
}
