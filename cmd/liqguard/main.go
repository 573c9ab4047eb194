package main

import "liqguard/internal/cli"

func main() {
	cli.Execute()
}
