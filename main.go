package main

import "github.com/sw33tLie/casefile/cmd"

func main() {
	cmd.Execute()
}
