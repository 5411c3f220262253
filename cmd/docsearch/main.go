package main

import "github.com/kirillkom/docsearch/internal/adapters/cli"

func main() {
	cli.Execute()
}
