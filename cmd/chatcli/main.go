package main

import "github.com/bookverse/chat/internal/cli"

func main() {
	cli.Execute()
}
