// Command callrelay-token mints and inspects HS256 signaling tokens for local
// development against a relay running with AUTH_MODE=jwt.
package main

import (
	"fmt"
	"os"
	"time"
)

func main() {
	cmd := newRootCmd(time.Now)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
