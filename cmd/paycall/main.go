// Command paycall makes one paid call through a paygate gateway, signing
// the x402 payment with a local key.
//
// Usage:
//
//	PAYCALL_PRIVATE_KEY=0x... paycall -url https://gw.example/api/call/acme/summarize -data '{"text":"hi"}'
//	paycall -url ... -data @request.json -max-amount 100000
//	paycall -url ... -max-usdc 0.10
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"

	"github.com/mbd888/paygate/internal/feedback"
	"github.com/mbd888/paygate/internal/usdc"
	"github.com/mbd888/paygate/pkg/x402"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	_ = godotenv.Load()

	fs := flag.NewFlagSet("paycall", flag.ContinueOnError)
	fs.SetOutput(stderr)
	target := fs.String("url", "", "gateway call URL (required)")
	data := fs.String("data", "{}", "request body, or @path to read it from a file")
	contentType := fs.String("content-type", "application/json", "request content type")
	maxAmount := fs.String("max-amount", "", "refuse to pay more than this many atomic units")
	maxUSDC := fs.String("max-usdc", "", "refuse to pay more than this many USDC (e.g. 0.10)")
	network := fs.String("network", "", "only pay on this CAIP-2 network (e.g. eip155:84532)")
	timeout := fs.Duration("timeout", 2*time.Minute, "overall call timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *target == "" {
		fmt.Fprintln(stderr, "paycall: -url is required")
		fs.Usage()
		return 2
	}

	keyHex := strings.TrimPrefix(os.Getenv("PAYCALL_PRIVATE_KEY"), "0x")
	if keyHex == "" {
		fmt.Fprintln(stderr, "paycall: PAYCALL_PRIVATE_KEY is required")
		return 2
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		fmt.Fprintf(stderr, "paycall: invalid PAYCALL_PRIVATE_KEY: %v\n", err)
		return 2
	}

	body, err := readBody(*data)
	if err != nil {
		fmt.Fprintf(stderr, "paycall: %v\n", err)
		return 2
	}

	var opts []x402.Option
	switch {
	case *maxAmount != "" && *maxUSDC != "":
		fmt.Fprintln(stderr, "paycall: -max-amount and -max-usdc are mutually exclusive")
		return 2
	case *maxAmount != "":
		limit, ok := new(big.Int).SetString(*maxAmount, 10)
		if !ok || limit.Sign() < 0 {
			fmt.Fprintf(stderr, "paycall: invalid -max-amount %q\n", *maxAmount)
			return 2
		}
		opts = append(opts, x402.WithMaxAmount(limit))
	case *maxUSDC != "":
		limit, ok := usdc.Parse(*maxUSDC)
		if !ok {
			fmt.Fprintf(stderr, "paycall: invalid -max-usdc %q\n", *maxUSDC)
			return 2
		}
		opts = append(opts, x402.WithMaxAmount(limit))
	}
	client := x402.NewClient(key, opts...)
	if *network != "" {
		client.Networks = []string{*network}
	}
	client.OnPayment = func(req x402.PaymentRequirements, _ *x402.PaymentPayload) {
		fmt.Fprintf(stderr, "paying %s (%s USDC) of %s to %s on %s\n",
			req.Amount, displayUSDC(req.Amount), req.Asset, req.PayTo, req.Network)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	resp, err := client.Post(ctx, *target, *contentType, body)
	if err != nil {
		fmt.Fprintf(stderr, "paycall: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	report(resp, stderr)
	if _, err := io.Copy(stdout, resp.Body); err != nil {
		fmt.Fprintf(stderr, "paycall: read response: %v\n", err)
		return 1
	}
	if resp.StatusCode >= 400 {
		return 1
	}
	return 0
}

// displayUSDC renders an atomic amount as whole USDC, or "?" when it is
// not a plain integer.
func displayUSDC(amount string) string {
	v, ok := usdc.ParseUnits(amount)
	if !ok {
		return "?"
	}
	return usdc.Format(v)
}

func readBody(data string) ([]byte, error) {
	if path, ok := strings.CutPrefix(data, "@"); ok {
		b, err := os.ReadFile(path) // #nosec G304 -- user-supplied input file
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		return b, nil
	}
	return []byte(data), nil
}

// report prints the status, settlement and feedback headers to w.
func report(resp *http.Response, w io.Writer) {
	fmt.Fprintf(w, "status: %d\n", resp.StatusCode)
	if id := resp.Header.Get("X-Request-ID"); id != "" {
		fmt.Fprintf(w, "request id: %s\n", id)
	}

	if settlement, err := x402.SettlementFromResponse(resp); err == nil && settlement != nil {
		out, _ := json.Marshal(settlement)
		fmt.Fprintf(w, "settlement: %s\n", out)
	}

	raw := resp.Header.Get("X-Feedback-Auth")
	if raw == "" {
		return
	}
	blob, err := hexutil.Decode(raw)
	if err != nil {
		fmt.Fprintf(w, "feedback auth: bad hex: %v\n", err)
		return
	}
	auth, err := feedback.Parse(blob)
	if err != nil {
		fmt.Fprintf(w, "feedback auth: unparseable: %v\n", err)
		return
	}
	fmt.Fprintf(w, "feedback auth: agent %s, index limit %d, expires %s, signer %s\n",
		auth.AgentID, auth.IndexLimit, time.Unix(auth.Expiry, 0).UTC().Format(time.RFC3339), auth.Signer.Hex())
}
