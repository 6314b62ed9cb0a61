//go:build !unix && !windows

package proxy

import "strings"

func isAddrInUse(err error) bool {
	return err != nil && strings.Contains(err.Error(), "address already in use")
}
