// cartctl drives a running storefront server from the command line.
// Each command performs a single cart operation, making it composable for
// scripts.
//
// Examples:
//
//	SID=$(cartctl add --title Hoodie --color Black --size M --price 50 -q)
//	cartctl --session $SID list
//	cartctl --session $SID qty <line-id> 3
//	cartctl --session $SID checkout
//	cartctl --session $SID nav load --referrer https://xyz.myshopify.com/checkouts/c/1
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
