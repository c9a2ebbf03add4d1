package main

import "github.com/cccoin/witness/cmd/cccoin"

func main() {
	cccoin.Execute()
}
