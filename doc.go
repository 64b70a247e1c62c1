// Package stride runs the custodian side of a cross-ledger atomic swap.
//
// A user who wants destination tokens for source tokens asks the custodian
// over the request channel (JSON-RPC method init_swap). The custodian locks
// the destination amount under a secret hash, the user locks the source
// amount under the same hash, the custodian reveals the secret when it
// claims the source deposit, and the user uses the revealed secret to
// claim on the destination ledger. Either side can reclaim its own deposit
// once the timeout for it has passed, so no swap can leave one side paid and
// the other unpaid.
//
// # Running a server
//
//	cfg := stride.DefaultConfig()
//	cfg.Store = "disk:///var/lib/stride"
//	cfg.Source = stride.LedgerConfig{
//	    URL:      "https://source-node:8545",
//	    Contract: "0x...",
//	    Address:  "0x...",
//	}
//	cfg.Destination = stride.LedgerConfig{
//	    URL:      "wss://destination-node:8546",
//	    Contract: "0x...",
//	    Address:  "0x...",
//	}
//	srv, stop, err := stride.StartServer(ctx, cfg, stride.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
//
// Every swap has a durable record. A restarted server resumes unfinished
// swaps from their last recorded status without repeating ledger writes it
// already made.
//
// # Stores
//
//	mem://                              in-process, lost on exit
//	disk:///path                        local filesystem
//	s3://host[:port]/bucket[/prefix]    S3-compatible (MinIO)
//	aws://bucket[/prefix]               AWS S3
//	azure://account/container[/prefix]  Azure Blob Storage
//
// Records hold the swap secret. Set Config.KeyBundle to encrypt them at rest.
//
// # Ledgers
//
// A ledger URL of the form sim://name opens an in-process simulated ledger
// shared by everything in the process under that name. http(s):// and
// ws(s):// URLs address an EVM node hosting the hash-lock contract.
//
// The user side is in pkt.systems/stride/client and the stride command.
package stride
