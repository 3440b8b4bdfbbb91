package main

import "github.com/vietddude/tollgate/internal/cli"

func main() {
	cli.Execute()
}
