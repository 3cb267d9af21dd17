package main

import "github.com/jacklefroy/liquid-abt-sub002/internal/cli"

func main() {
	cli.Execute()
}
