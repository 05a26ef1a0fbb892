// Package main provides a CI-friendly HTTP smoke test for a running Stay Hi server.
//
// It validates:
//   - liveness and readiness probes
//   - invite redemption (when -code is given) and the issued session
//   - magic link request for the same email
//   - verify with a bogus token redirects back to the sign-in page
//   - unknown API endpoints answer a JSON 404
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

type apiResponse struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	UserID         string `json:"user_id"`
	SessionToken   string `json:"session_token"`
	MembershipTier string `json:"membership_tier"`
	TrialDays      int    `json:"trial_days"`
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8082", "Server base URL")
		code    = flag.String("code", "", "Invite code to redeem (skipped when empty)")
		email   = flag.String("email", "smoke@example.com", "Email to redeem and sign in with")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-request timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	base := strings.TrimRight(*baseURL, "/")

	client := &http.Client{
		Timeout: *timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	mustStatus(client, base+"/healthz", http.StatusOK)
	mustStatus(client, base+"/readyz", http.StatusOK)

	if *code != "" {
		res := mustPost(client, base+"/api/auth/invite", map[string]string{"code": *code, "email": *email}, http.StatusOK)
		if !res.Success || res.SessionToken == "" {
			fatalf("invite: not redeemed: %q", res.Message)
		}
		if *verbose {
			fmt.Printf("invite: user=%s tier=%s trial_days=%d\n", res.UserID, res.MembershipTier, res.TrialDays)
		}
		mustSession(client, base, res.SessionToken, res.UserID)
	}

	res := mustPost(client, base+"/api/auth/email", map[string]string{"email": *email}, http.StatusOK)
	if *code != "" && !res.Success {
		fatalf("email: sign-in request failed: %q", res.Message)
	}
	if *verbose {
		fmt.Printf("email: success=%t message=%q\n", res.Success, res.Message)
	}

	loc := mustRedirect(client, base+"/api/auth/verify/not-a-real-token")
	if loc.Path != "/auth" || loc.Query().Get("error") == "" {
		fatalf("verify: unexpected redirect %q", loc.String())
	}

	nf := mustPost(client, base+"/api/does-not-exist", map[string]string{}, http.StatusNotFound)
	if nf.Success {
		fatalf("unknown endpoint reported success")
	}

	fmt.Printf("OK: base=%s invite=%t\n", base, *code != "")
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func mustStatus(c *http.Client, target string, want int) {
	resp, err := c.Get(target)
	if err != nil {
		fatalf("GET %s: %v", target, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != want {
		fatalf("GET %s: status=%d want=%d", target, resp.StatusCode, want)
	}
}

func mustPost(c *http.Client, target string, body any, want int) apiResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		fatalf("marshal: %v", err)
	}
	resp, err := c.Post(target, "application/json", bytes.NewReader(raw))
	if err != nil {
		fatalf("POST %s: %v", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		fatalf("POST %s: status=%d want=%d", target, resp.StatusCode, want)
	}
	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fatalf("POST %s: decode: %v", target, err)
	}
	return out
}

func mustSession(c *http.Client, base, tok, wantUser string) {
	req, err := http.NewRequest(http.MethodGet, base+"/api/auth/session", nil)
	if err != nil {
		fatalf("session: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := c.Do(req)
	if err != nil {
		fatalf("session: %v", err)
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fatalf("session: decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || !out.Success || out.UserID != wantUser {
		fatalf("session: status=%d success=%t user=%q want=%q", resp.StatusCode, out.Success, out.UserID, wantUser)
	}
}

func mustRedirect(c *http.Client, target string) *url.URL {
	resp, err := c.Get(target)
	if err != nil {
		fatalf("GET %s: %v", target, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		fatalf("GET %s: status=%d want=302", target, resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		fatalf("GET %s: bad location: %v", target, err)
	}
	return loc
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
