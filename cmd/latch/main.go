package main

import "github.com/okeefe/latch/cmd/latch/cmd"

func main() {
	cmd.Execute()
}
