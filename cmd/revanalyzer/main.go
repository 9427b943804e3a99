package main

import "crypto-revenue-analyzer/internal/cli"

func main() {
	cli.Execute()
}
