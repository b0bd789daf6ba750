package main

import "go-conductor/cmd"

func main() {
	cmd.Execute()
}
