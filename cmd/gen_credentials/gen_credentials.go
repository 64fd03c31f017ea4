package main

import (
	"flag"
	"fmt"
	"os"
	"path"

	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/ledger"
)

func main() {
	num := flag.Int("N", 10, "number of credentials to generate")
	seed := flag.String("seed", "vibecoin-credentials", "random seed, the same seed gives the same keys")
	dir := flag.String("dir", "./credentials", "output directory name")
	flag.Parse()

	err := os.MkdirAll(*dir, os.ModePerm)
	if err != nil {
		panic(err)
	}

	for i := 0; i < *num; i++ {
		k := ledger.KeyFromSeed(fmt.Sprintf("%s-%d", *seed, i))
		err = ledger.SaveCredential(path.Join(*dir, fmt.Sprintf("node-%d.json", i)), k)
		if err != nil {
			panic(err)
		}
	}
}
