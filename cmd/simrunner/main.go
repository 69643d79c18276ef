package main

import "github.com/devicelab-dev/simrunner/pkg/cli"

func main() {
	cli.Execute()
}
