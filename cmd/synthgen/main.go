package main

import "github.com/ssuji15/synthgen/internal/cli"

func main() {
	cli.Execute()
}
