package main

import "callgate/cli"

func main() {
	cli.Execute()
}
