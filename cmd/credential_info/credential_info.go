package main

import (
	"flag"
	"fmt"

	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/ledger"
)

func main() {
	c := flag.String("c", "", "path to the credential file")
	flag.Parse()

	k, err := ledger.LoadCredential(*c)
	if err != nil {
		panic(err)
	}

	fmt.Println("credential info (hex encoded):")
	fmt.Printf("SK: %s\n", k.Hex())
	fmt.Printf("Addr: %s\n", k.Address())
}
