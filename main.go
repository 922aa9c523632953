package main

import "github.com/advancedpay/ms-go-payment-core/cmd"

func main() {
	cmd.Execute()
}
