// Traffic seeder for the XDR proxy.
//
// Fires synthetic agent traffic at a running proxy so the trace ring, the
// ledger, and the metrics have something to show. A tunable fraction of the
// requests hits the payment gate and walks the full challenge/settle round
// trip; the rest are plain forwarded requests.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"
)

func main() {
	target := flag.String("target", "http://127.0.0.1:4002", "Proxy base URL")
	agents := flag.Int("agents", 3, "Number of synthetic agents")
	rounds := flag.Int("rounds", 20, "Request rounds per agent")
	paidRatio := flag.Float64("paid-ratio", 0.5, "Fraction of requests that hit the payment gate")
	upstreamHost := flag.String("upstream-host", "httpbin.org", "X-Upstream-Host for forwarded requests")
	flag.Parse()

	client := &http.Client{Timeout: 30 * time.Second}

	var sent, challenged, settled, failed int

	for round := 0; round < *rounds; round++ {
		for a := 0; a < *agents; a++ {
			agentID := fmt.Sprintf("seed-agent-%d", a+1)

			if rand.Float64() < *paidRatio {
				sent += 2
				challenged++
				ok, err := paidRoundTrip(client, *target, *upstreamHost, agentID)
				if err != nil {
					failed++
					fmt.Printf("agent %s: paid round trip failed: %v\n", agentID, err)
					continue
				}
				if ok {
					settled++
				}
			} else {
				sent++
				if err := freeRequest(client, *target, *upstreamHost, agentID); err != nil {
					failed++
					fmt.Printf("agent %s: request failed: %v\n", agentID, err)
				}
			}
		}
	}

	fmt.Println("Seeding complete")
	fmt.Printf("  requests sent: %d\n", sent)
	fmt.Printf("  challenges:    %d\n", challenged)
	fmt.Printf("  settled:       %d\n", settled)
	fmt.Printf("  failures:      %d\n", failed)
}

// paidRoundTrip requests gated content, pays the resulting invoice, and
// retries with the L402 token. Chaos can preempt either leg; that still
// counts as useful traffic.
func paidRoundTrip(client *http.Client, target, upstreamHost, agentID string) (bool, error) {
	resp, body, err := send(client, target+"/paid/data", upstreamHost, agentID, "")
	if err != nil {
		return false, err
	}

	if resp.StatusCode != http.StatusPaymentRequired {
		return false, nil
	}

	var challenge struct {
		X402Invoice string `json:"x402_invoice"`
	}
	if err := json.Unmarshal(body, &challenge); err != nil || challenge.X402Invoice == "" {
		// A 402 without an invoice is a chaos payment failure.
		return false, nil
	}

	resp, _, err = send(client, target+"/paid/data", upstreamHost, agentID, "L402 "+challenge.X402Invoice)
	if err != nil {
		return false, err
	}

	// Anything but another 402 means the payment cleared, even if the
	// upstream leg then failed.
	return resp.StatusCode != http.StatusPaymentRequired, nil
}

func freeRequest(client *http.Client, target, upstreamHost, agentID string) error {
	_, _, err := send(client, target+"/get", upstreamHost, agentID, "")
	return err
}

func send(client *http.Client, url, upstreamHost, agentID, authorization string) (*http.Response, []byte, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("X-Agent-ID", agentID)
	req.Header.Set("X-Upstream-Host", upstreamHost)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}
