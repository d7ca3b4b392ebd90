// Command smc-write writes a battery charge limit key to the SMC.
// It must run as root.
//
// Usage:
//
//	smc-write <KEY> <VALUE>
//
// KEY is BCLM (Intel, 20-100) or CHWA (Apple Silicon, 0 or 1).
// Exit status: 0 ok, 1 bad arguments, 2 driver unavailable, 3 write rejected.
package main

import (
	"os"

	"github.com/solar3s/chargelimit/helper"
	"github.com/solar3s/chargelimit/smc"
)

func main() {
	os.Exit(helper.Run(os.Args[1:], os.Stdout, os.Stderr, smc.NewClient(smc.IOKitDriver{})))
}
