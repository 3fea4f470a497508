// Command toolgateway serves and inspects a tool gateway built from a registry
// document.
package main

import (
	"os"
)

func main() {
	os.Exit(Run(os.Args[1:]))
}
