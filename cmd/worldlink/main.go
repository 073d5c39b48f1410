// Command worldlink runs the tool-calling gateway and its line-oriented
// driver client.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
