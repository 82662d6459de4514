// Command assistant serves the conversational assistant over HTTP and
// answers one-shot questions from the terminal.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
