package main

import "github.com/ptmai/mailpipe/internal/cli"

func main() {
	cli.Execute()
}
