package main

import "ledger-insight/internal/cli"

func main() {
	cli.Execute()
}
