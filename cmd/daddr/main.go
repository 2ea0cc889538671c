// daddr: in-path destination address rewriting for IPv4 and IPv6.
// Packets are taken from a netfilter queue, their destination address is
// replaced by a fixed target or by the address configured for their DSCP
// codepoint, and every affected checksum is patched incrementally.
package main

import (
	"fmt"
	"os"
)

var (
	version   = "0.1.0"
	buildTime = "unknown"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
