package main

import (
	"fmt"

	"github.com/liquidswap/lswap/lswapd"
)

func main() {
	err := lswapd.Start()
	if err != nil {
		fmt.Println(err)
	}
}
