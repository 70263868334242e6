// Package main is the telerouter command.
package main

import "github.com/sarchlab/telerouter/telerouter/cmd"

func main() {
	cmd.Execute()
}
