// Package main provides the entry point for the mcpi CLI.
package main

import (
	"os"

	"yqhp/mcpi/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
