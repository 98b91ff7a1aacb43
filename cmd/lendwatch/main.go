package main

import (
	"lendwatch/internal/cli"
)

func main() {
	cli.Execute()
}
