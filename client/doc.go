// Package client talks to a stride custodian over its Request Channel.
//
// A user process asks for a swap with InitSwap and follows it with GetSwap
// or ListSwaps:
//
//	cli, err := client.New("http://custodian.example.com:8545")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := cli.InitSwap(ctx, client.InitSwapRequest{
//	    SourceAmount: big.NewInt(1000),
//	    UserAddress:  "0x00000000000000000000000000000000000000a1",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(res.TxnID, res.SecretHash)
//
// Every request carries an X-Correlation-Id header. Attach your own with
// WithCorrelationID; otherwise one is generated per call.
package client
