package main

import (
	"snapcopy/cmd"
)

func main() {
	cmd.Execute()
}
