package main

import "volatility-estimator/internal/cli"

func main() {
	cli.Execute()
}
