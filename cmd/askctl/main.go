// Command askctl talks to a catalogrouter service and runs the pieces of its pipeline that
// need no server: entity resolution, routing config validation and workflow replay.
package main

import (
	"os"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
