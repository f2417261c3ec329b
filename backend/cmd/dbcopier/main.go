// Command dbcopier drives the copy engine without the desktop UI: manage saved
// configs, start copies and follow them from a terminal or a script.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(openEnv).Execute(); err != nil {
		os.Exit(1)
	}
}
