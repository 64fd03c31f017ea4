package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path"

	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/ledger"
)

func main() {
	var outDir string
	var withKey bool

	flag.StringVar(&outDir, "d", "./credentials", "output directory name")
	flag.BoolVar(&withKey, "key", false, "also write the development genesis credential")
	flag.Parse()

	err := os.MkdirAll(outDir, os.ModePerm)
	if err != nil {
		panic(err)
	}

	genesis := ledger.Genesis()
	b, err := json.MarshalIndent(genesis, "", "  ")
	if err != nil {
		panic(err)
	}

	err = os.WriteFile(path.Join(outDir, "genesis.json"), b, 0644)
	if err != nil {
		panic(err)
	}

	if withKey {
		err = ledger.SaveCredential(path.Join(outDir, "genesis-key.json"), ledger.DevGenesisKey())
		if err != nil {
			panic(err)
		}
	}

	fmt.Printf("Hash: %s\n", genesis.Hash)
	fmt.Printf("Addr: %s\n", ledger.GenesisAddress())
	fmt.Printf("Supply: %d\n", ledger.GenesisSupply)
}
