// Command buildnet-verify checks ledger integrity offline and can rebuild
// a state backend from the append-only mirror. It opens the bolt file
// directly, so stop the daemon first.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/buildnet-io/buildnet/pkg/backend"
	"github.com/buildnet-io/buildnet/pkg/ledger"
)

var (
	dataPath   = flag.String("data", "", "path to the bolt database file")
	mirrorPath = flag.String("mirror", "", "path to the JSONL ledger mirror")
	fromSeq    = flag.Uint64("from", 0, "verify starting at this sequence")
	replay     = flag.Bool("replay", false, "rebuild the backend from the mirror before verifying")
	jsonOut    = flag.Bool("json", false, "emit the report as JSON")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags)

	if *dataPath == "" {
		fmt.Fprintln(os.Stderr, "usage: buildnet-verify -data <bolt file> [-mirror <jsonl>] [-from <seq>] [-replay] [-json]")
		os.Exit(2)
	}
	if *replay && *mirrorPath == "" {
		fmt.Fprintln(os.Stderr, "-replay requires -mirror")
		os.Exit(2)
	}

	ctx := context.Background()

	be, err := backend.NewBolt(*dataPath, nil)
	if err != nil {
		log.Fatalf("Failed to open backend: %v", err)
	}
	defer be.Close()

	if *replay {
		log.Printf("Replaying mirror %s", *mirrorPath)
		replayed, err := ledger.ReplayMirror(ctx, *mirrorPath, be)
		if err != nil {
			log.Fatalf("Replay failed: %v", err)
		}
		log.Printf("Replayed %d entries", replayed)
	}

	led, err := ledger.New(be, nil, nil, ledger.Options{})
	if err != nil {
		log.Fatalf("Failed to open ledger: %v", err)
	}
	if err := led.Recover(ctx); err != nil {
		log.Fatalf("Ledger recovery failed: %v", err)
	}

	report, err := led.VerifyIntegrity(ctx, *fromSeq)
	if err != nil {
		log.Fatalf("Verification aborted: %v", err)
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			log.Fatalf("Failed to encode report: %v", err)
		}
	} else {
		fmt.Printf("Entries checked: %d\n", report.EntriesChecked)
		if report.Verified {
			fmt.Println("Ledger verified: hash chain intact")
		} else {
			fmt.Printf("Ledger verification FAILED: %d errors\n", len(report.Errors))
			for _, verifyErr := range report.Errors {
				fmt.Printf("  seq %d [%s]: %s\n",
					verifyErr.Sequence, verifyErr.Code, verifyErr.Message)
			}
		}
	}

	if !report.Verified {
		os.Exit(1)
	}
}
