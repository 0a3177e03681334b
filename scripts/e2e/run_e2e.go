// Package main runs end-to-end scenarios against a running dialogue server.
//
// Scenarios cover:
//   - Session creation and intro message
//   - Turn ordering and history reads
//   - Crisis detection, alert persistence and supervisor resolution
//   - Live alert delivery over the admin SSE stream
//   - Chat streaming with progress events
//
// Usage:
//
//	ADMIN_JWT_SECRET=... API_BASE_URL=... go run scripts/e2e/run_e2e.go [scenario-name]
//	ADMIN_JWT_SECRET=... API_BASE_URL=... go run scripts/e2e/run_e2e.go               # runs all
//	ADMIN_JWT_SECRET=... API_BASE_URL=... go run scripts/e2e/run_e2e.go crisis-alert  # runs one
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	crisisMessage = "我不想活了，活着没有意思"
	calmMessage   = "今天数学考试没考好，有点难过"
	streamWait    = 60 * time.Second
)

var (
	apiBase    string
	adminToken string
	client     = &http.Client{Timeout: 90 * time.Second}
)

type scenario struct {
	Name string
	Fn   func(t *T)
}

// T is a lightweight test context for a single scenario.
type T struct {
	passed int
	failed int
}

func (t *T) check(name string, ok bool) {
	if ok {
		fmt.Printf("    PASS: %s\n", name)
		t.passed++
	} else {
		fmt.Printf("    FAIL: %s\n", name)
		t.failed++
	}
}

func (t *T) fatalf(format string, args ...interface{}) {
	fmt.Printf("    FATAL: "+format+"\n", args...)
	t.failed++
}

type turnResult struct {
	SessionID  string   `json:"session_id"`
	Ordinal    int      `json:"ordinal"`
	Reply      string   `json:"reply"`
	Stage      string   `json:"stage"`
	Degraded   bool     `json:"degraded"`
	RetryCount int      `json:"retry_count"`
	Crisis     bool     `json:"crisis"`
	Warnings   []string `json:"warnings"`
}

type alert struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	ChildID   string `json:"child_id"`
	Category  string `json:"category"`
	Severity  string `json:"severity"`
	Resolved  bool   `json:"resolved"`
}

func doJSON(method, path string, body any, auth bool, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, apiBase+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if auth {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s: %w (%s)", path, err, string(data))
		}
	}
	return resp.StatusCode, nil
}

func startSession(childID string) (string, string, error) {
	var out struct {
		SessionID string `json:"session_id"`
		Intro     string `json:"intro"`
	}
	status, err := doJSON(http.MethodPost, "/api/sessions", map[string]string{"child_id": childID, "child_name": "测试"}, false, &out)
	if err != nil {
		return "", "", err
	}
	if status != http.StatusCreated {
		return "", "", fmt.Errorf("start session returned %d", status)
	}
	return out.SessionID, out.Intro, nil
}

func chat(sessionID, childID, message string) (turnResult, error) {
	var out turnResult
	web := false
	status, err := doJSON(http.MethodPost, "/api/chat", map[string]any{
		"session_id":           sessionID,
		"child_id":             childID,
		"message":              message,
		"enable_web_retrieval": &web,
	}, false, &out)
	if err != nil {
		return out, err
	}
	if status != http.StatusOK {
		return out, fmt.Errorf("chat returned %d", status)
	}
	return out, nil
}

func pendingAlerts(childID string) ([]alert, error) {
	var out struct {
		Alerts []alert `json:"alerts"`
	}
	status, err := doJSON(http.MethodGet, "/admin/alerts?status=unresolved&child_id="+url.QueryEscape(childID), nil, true, &out)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("list alerts returned %d", status)
	}
	return out.Alerts, nil
}

// readSSE collects event names from an SSE body until stop returns true or ctx ends.
func readSSE(ctx context.Context, body io.Reader, stop func(event, data string) bool) []string {
	var events []string
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	event := ""
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			events = append(events, event)
			if stop(event, data) {
				return events
			}
		}
	}
	return events
}

func testSessionIntro(t *T) {
	id, intro, err := startSession("e2e-" + uuid.NewString()[:8])
	if err != nil {
		t.fatalf("start session: %v", err)
		return
	}
	t.check("session id returned", id != "")
	t.check("intro message returned", strings.TrimSpace(intro) != "")
}

func testTurnOrdering(t *T) {
	childID := "e2e-" + uuid.NewString()[:8]
	sessionID, _, err := startSession(childID)
	if err != nil {
		t.fatalf("start session: %v", err)
		return
	}
	for i, msg := range []string{calmMessage, "我想下次考好一点", "可以先每天复习半小时"} {
		res, err := chat(sessionID, childID, msg)
		if err != nil {
			t.fatalf("turn %d: %v", i+1, err)
			return
		}
		t.check(fmt.Sprintf("turn %d has ordinal %d", i+1, i+1), res.Ordinal == i+1)
		t.check(fmt.Sprintf("turn %d has a reply", i+1), strings.TrimSpace(res.Reply) != "")
		if res.Degraded {
			fmt.Printf("    note: turn %d used the fallback reply after %d retries\n", i+1, res.RetryCount)
		}
	}

	var history struct {
		Turns []struct {
			Ordinal     int    `json:"ordinal"`
			UserMessage string `json:"user_message"`
		} `json:"turns"`
	}
	status, err := doJSON(http.MethodGet, "/api/sessions/"+sessionID+"/turns", nil, false, &history)
	if err != nil || status != http.StatusOK {
		t.fatalf("history: status=%d err=%v", status, err)
		return
	}
	t.check("history has 3 turns", len(history.Turns) == 3)
	ordered := true
	for i, turn := range history.Turns {
		ordered = ordered && turn.Ordinal == i+1
	}
	t.check("history is in ordinal order", ordered)
}

func testCrisisAlert(t *T) {
	childID := "e2e-" + uuid.NewString()[:8]
	sessionID, _, err := startSession(childID)
	if err != nil {
		t.fatalf("start session: %v", err)
		return
	}
	res, err := chat(sessionID, childID, crisisMessage)
	if err != nil {
		t.fatalf("crisis turn: %v", err)
		return
	}
	t.check("turn flagged as crisis", res.Crisis)

	alerts, err := pendingAlerts(childID)
	if err != nil {
		t.fatalf("list alerts: %v", err)
		return
	}
	t.check("exactly one pending alert", len(alerts) == 1)
	if len(alerts) != 1 {
		return
	}
	t.check("alert is self-harm", alerts[0].Category == "self-harm")
	t.check("alert references the session", alerts[0].SessionID == sessionID)

	status, err := doJSON(http.MethodPost, "/admin/alerts/"+alerts[0].ID+"/resolve", map[string]string{"notes": "e2e follow-up"}, true, nil)
	t.check("alert resolved", err == nil && status == http.StatusOK)

	alerts, err = pendingAlerts(childID)
	t.check("no pending alerts after resolve", err == nil && len(alerts) == 0)
}

func testAlertStream(t *T) {
	ctx, cancel := context.WithTimeout(context.Background(), streamWait)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, apiBase+"/admin/alerts/stream?access_token="+url.QueryEscape(adminToken), nil)
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		t.fatalf("open stream: %v", err)
		return
	}
	defer resp.Body.Close()
	t.check("stream opened", resp.StatusCode == http.StatusOK)

	childID := "e2e-" + uuid.NewString()[:8]
	ready := make(chan struct{})
	done := make(chan []string, 1)
	go func() {
		var once bool
		done <- readSSE(ctx, resp.Body, func(event, data string) bool {
			if !once {
				once = true
				close(ready)
			}
			return event == "alert" && strings.Contains(data, childID)
		})
	}()

	select {
	case <-ready:
	case <-ctx.Done():
		t.fatalf("stream sent no ready frame")
		return
	}
	sessionID, _, err := startSession(childID)
	if err != nil {
		t.fatalf("start session: %v", err)
		return
	}
	if _, err := chat(sessionID, childID, crisisMessage); err != nil {
		t.fatalf("crisis turn: %v", err)
		return
	}

	events := <-done
	t.check("alert delivered live", len(events) > 0 && events[len(events)-1] == "alert")
}

func testChatStream(t *T) {
	ctx, cancel := context.WithTimeout(context.Background(), streamWait)
	defer cancel()

	body, _ := json.Marshal(map[string]any{"child_id": "e2e-stream", "message": calmMessage})
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+"/api/chat/stream", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		t.fatalf("open chat stream: %v", err)
		return
	}
	defer resp.Body.Close()

	events := readSSE(ctx, resp.Body, func(event, _ string) bool { return event == "done" })
	joined := strings.Join(events, ",")
	t.check("stream carries a result", strings.Contains(joined, "result"))
	t.check("stream ends with done", len(events) > 0 && events[len(events)-1] == "done")
}

func main() {
	apiBase = strings.TrimRight(os.Getenv("API_BASE_URL"), "/")
	if apiBase == "" {
		apiBase = "http://localhost:8080"
	}
	secret := os.Getenv("ADMIN_JWT_SECRET")
	if secret == "" {
		fmt.Println("ADMIN_JWT_SECRET is required")
		os.Exit(1)
	}
	var err error
	adminToken, err = jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "e2e",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	if err != nil {
		fmt.Printf("sign token: %v\n", err)
		os.Exit(1)
	}

	scenarios := []scenario{
		{"session-intro", testSessionIntro},
		{"turn-ordering", testTurnOrdering},
		{"crisis-alert", testCrisisAlert},
		{"alert-stream", testAlertStream},
		{"chat-stream", testChatStream},
	}

	only := ""
	if len(os.Args) > 1 {
		only = os.Args[1]
	}

	totalPassed, totalFailed := 0, 0
	for _, sc := range scenarios {
		if only != "" && sc.Name != only {
			continue
		}
		fmt.Printf("\n=== %s ===\n", sc.Name)
		t := &T{}
		sc.Fn(t)
		totalPassed += t.passed
		totalFailed += t.failed
	}

	fmt.Printf("\n%d passed, %d failed\n", totalPassed, totalFailed)
	if totalFailed > 0 {
		os.Exit(1)
	}
}
