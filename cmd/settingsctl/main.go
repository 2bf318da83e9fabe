// Command settingsctl loads, inspects and saves the storefront settings
// document through the same sync manager the storefront uses.
package main

import (
	"os"
)

func main() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
