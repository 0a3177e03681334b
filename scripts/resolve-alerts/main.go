// Command resolve-alerts marks a child's pending crisis alerts as resolved
// through the admin API, after a supervisor has followed up offline.
//
// Usage:
//
//	ADMIN_JWT_SECRET=... API_URL=... go run ./scripts/resolve-alerts <child_id> "<notes>"
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type alert struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	Severity string `json:"severity"`
	Summary  string `json:"summary"`
}

func main() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: go run ./scripts/resolve-alerts <child_id> <notes>")
		os.Exit(1)
	}
	childID, notes := os.Args[1], os.Args[2]

	secret := os.Getenv("ADMIN_JWT_SECRET")
	if secret == "" {
		fmt.Println("Error: ADMIN_JWT_SECRET environment variable not set")
		os.Exit(1)
	}
	apiURL := os.Getenv("API_URL")
	if apiURL == "" {
		apiURL = "http://localhost:8080"
	}

	claims := jwt.RegisteredClaims{
		Subject:   "resolve-alerts-script",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		fmt.Printf("Error signing token: %v\n", err)
		os.Exit(1)
	}
	client := &http.Client{Timeout: 30 * time.Second}

	listURL := fmt.Sprintf("%s/admin/alerts?status=unresolved&child_id=%s", apiURL, url.QueryEscape(childID))
	var list struct {
		Alerts []alert `json:"alerts"`
	}
	if err := call(client, http.MethodGet, listURL, token, nil, &list); err != nil {
		fmt.Printf("Error listing alerts: %v\n", err)
		os.Exit(1)
	}
	if len(list.Alerts) == 0 {
		fmt.Printf("No pending alerts for child %s\n", childID)
		return
	}

	body, _ := json.Marshal(map[string]string{"notes": notes})
	for _, a := range list.Alerts {
		resolveURL := fmt.Sprintf("%s/admin/alerts/%s/resolve", apiURL, url.PathEscape(a.ID))
		if err := call(client, http.MethodPost, resolveURL, token, body, nil); err != nil {
			fmt.Printf("Error resolving %s: %v\n", a.ID, err)
			os.Exit(1)
		}
		fmt.Printf("Resolved %s [%s/%s] %s\n", a.ID, a.Category, a.Severity, a.Summary)
	}
}

func call(client *http.Client, method, target, token string, body []byte, out any) error {
	req, err := http.NewRequest(method, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
