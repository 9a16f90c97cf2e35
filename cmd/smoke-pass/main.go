// Command smoke-pass drives one full protocol cycle against a running
// API: connect two wallets, fund the buyer, create a collection,
// purchase, verify, revoke, verify again.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

type tokenResponse struct {
	Token  string `json:"token"`
	Wallet string `json:"wallet"`
}

type collectionResponse struct {
	Address   string `json:"address"`
	Name      string `json:"name"`
	MaxSupply int64  `json:"max_supply"`
}

type passResponse struct {
	Address        string `json:"address"`
	PassCollection string `json:"pass_collection"`
	IsActive       bool   `json:"is_active"`
}

type verifyResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason"`
}

func main() {
	base := os.Getenv("ENTRYPASS_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	client := &http.Client{Timeout: 5 * time.Second}
	suffix := time.Now().UnixNano() % 1_000_000

	organizer := fmt.Sprintf("smoke-org-%d", suffix)
	buyer := fmt.Sprintf("smoke-buyer-%d", suffix)

	orgToken := obtainToken(client, base, organizer)
	buyerToken := obtainToken(client, base, buyer)

	post(client, base, "/v1/wallets", orgToken, map[string]any{"initial_amount": 0}, nil)
	post(client, base, "/v1/wallets", buyerToken, map[string]any{"initial_amount": 1_000}, nil)

	var col collectionResponse
	post(client, base, "/v1/collections", orgToken, map[string]any{
		"name":                    fmt.Sprintf("smoke-%d", suffix),
		"description":             "smoke test collection",
		"price":                   420,
		"max_supply":              2,
		"validity_period_seconds": 3600,
	}, &col)
	log.Printf("collection %s", col.Address)

	var p passResponse
	post(client, base, "/v1/collections/"+col.Address+"/purchase", buyerToken, map[string]any{}, &p)
	log.Printf("pass %s active=%v", p.Address, p.IsActive)

	v := verify(client, base, buyer, col.Address)
	if !v.Valid {
		log.Fatalf("expected valid pass, got reason %q", v.Reason)
	}

	post(client, base, "/v1/passes/"+p.Address+"/revoke", orgToken, map[string]any{
		"collection": col.Address,
	}, nil)

	v = verify(client, base, buyer, col.Address)
	if v.Valid {
		log.Fatal("expected revoked pass to verify invalid")
	}

	fmt.Println("SMOKE PASS OK")
}

func obtainToken(client *http.Client, base, wallet string) string {
	var tok tokenResponse
	post(client, base, "/v1/auth/token", "", map[string]any{"wallet": wallet}, &tok)
	if tok.Token == "" {
		log.Fatalf("empty token for %s", wallet)
	}
	return tok.Token
}

func post(client *http.Client, base, path, token string, body any, out any) {
	payload, err := json.Marshal(body)
	if err != nil {
		log.Fatalf("marshal %s: %v", path, err)
	}
	req, err := http.NewRequest(http.MethodPost, base+path, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("request %s: %v", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("post %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var e map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&e)
		log.Fatalf("post %s: status %d: %v", path, resp.StatusCode, e)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("decode %s: %v", path, err)
		}
	}
}

func verify(client *http.Client, base, wallet, collection string) verifyResponse {
	resp, err := client.Get(base + "/v1/verify?wallet=" + wallet + "&collection=" + collection)
	if err != nil {
		log.Fatalf("verify: %v", err)
	}
	defer resp.Body.Close()
	var v verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		log.Fatalf("decode verify: %v", err)
	}
	return v
}
