package main

import "github.com/vietddude/ihebatch/internal/cli"

func main() {
	cli.Execute()
}
