// Command loadcheck fires concurrent assign requests for the same book at a
// running server and reports how many succeeded.
//
// Usage:
//
//	MANAGER_USERNAME=desk MANAGER_PASSWORD=secret \
//	BOOK_NAME=Dune AUTHOR_NAME=Herbert USER_IDS=2,3,4,5 go run ./cmd/loadcheck
//
// Or with positional arguments:
//
//	go run ./cmd/loadcheck <book_name> <user1_id> [user2_id ...]
//
// With a single available copy of the book, exactly one request may succeed;
// every other caller must see 404 "book not found".
package main

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

const defaultServerAddr = "http://localhost:8080"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type assignResult struct {
	UserID     uint
	StatusCode int
	Detail     string
	Err        error
}

func main() {
	serverAddr := getEnv("SERVER_ADDR", defaultServerAddr)
	username := os.Getenv("MANAGER_USERNAME")
	password := os.Getenv("MANAGER_PASSWORD")
	bookName := os.Getenv("BOOK_NAME")
	authorName := os.Getenv("AUTHOR_NAME")

	var rawIDs []string
	if env := os.Getenv("USER_IDS"); env != "" {
		rawIDs = strings.Split(env, ",")
	}

	args := os.Args[1:]
	if len(args) >= 1 {
		bookName = args[0]
	}
	if len(args) >= 2 {
		rawIDs = args[1:]
	}

	if bookName == "" || username == "" {
		log.Fatal("Usage: MANAGER_USERNAME=<u> MANAGER_PASSWORD=<p> BOOK_NAME=<name> USER_IDS=<1,2,...> go run ./cmd/loadcheck")
	}

	userIDs := make([]uint, 0, len(rawIDs))
	for _, raw := range rawIDs {
		id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			log.Fatalf("invalid user id %q: %v", raw, err)
		}
		userIDs = append(userIDs, uint(id))
	}
	if len(userIDs) == 0 {
		log.Fatal("At least one user ID must be provided via USER_IDS env or positional args")
	}

	client := &http.Client{Timeout: 10 * time.Second}

	token, err := login(client, serverAddr, username, password)
	if err != nil {
		log.Fatalf("login failed: %v", err)
	}

	fmt.Printf("=== Library Assign Load Check ===\n")
	fmt.Printf("Server : %s\n", serverAddr)
	fmt.Printf("Book   : %s (author %q)\n", bookName, authorName)
	fmt.Printf("Users  : %d\n\n", len(userIDs))

	results := make([]assignResult, len(userIDs))
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i, uid := range userIDs {
		wg.Add(1)
		go func(idx int, userID uint) {
			defer wg.Done()
			<-start
			results[idx] = assign(client, serverAddr, token, userID, bookName, authorName)
		}(i, uid)
	}

	fmt.Println("Firing all requests simultaneously...")
	close(start)
	wg.Wait()

	var assigned, notFound, failures int
	for _, r := range results {
		switch {
		case r.Err != nil:
			failures++
			fmt.Printf("  [ERR ] user=%-6d err=%v\n", r.UserID, r.Err)
		case r.StatusCode == http.StatusOK:
			assigned++
			fmt.Printf("  [ASGN] user=%-6d status=%d\n", r.UserID, r.StatusCode)
		case r.StatusCode == http.StatusNotFound:
			notFound++
			fmt.Printf("  [MISS] user=%-6d status=%d detail=%q\n", r.UserID, r.StatusCode, r.Detail)
		default:
			failures++
			fmt.Printf("  [FAIL] user=%-6d status=%d detail=%q\n", r.UserID, r.StatusCode, r.Detail)
		}
	}

	fmt.Printf("\n--- Summary ---\n")
	fmt.Printf("Assigned  : %d\n", assigned)
	fmt.Printf("Not found : %d\n", notFound)
	fmt.Printf("Failures  : %d\n", failures)
	fmt.Printf("Total     : %d\n", len(userIDs))

	if assigned > 1 {
		fmt.Printf("\n[FAIL] %d requests were granted the same copy\n", assigned)
		os.Exit(1)
	}
	if failures > 0 {
		fmt.Printf("\n[WARNING] %d request(s) failed; check server logs for details.\n", failures)
		os.Exit(1)
	}
}

func login(client *http.Client, serverAddr, username, password string) (string, error) {
	form := url.Values{"username": {username}, "password": {password}}
	resp, err := client.PostForm(serverAddr+"/login", form)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body struct {
		AccessToken string `json:"access_token"`
		Detail      string `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("bad JSON from /login: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, body.Detail)
	}
	return body.AccessToken, nil
}

func assign(client *http.Client, serverAddr, token string, userID uint, bookName, authorName string) assignResult {
	payload, err := json.Marshal(map[string]interface{}{
		"user_id":     userID,
		"book_name":   bookName,
		"author_name": authorName,
	})
	if err != nil {
		return assignResult{UserID: userID, Err: err}
	}

	req, err := http.NewRequest(http.MethodPost, serverAddr+"/assign_book/", bytes.NewReader(payload))
	if err != nil {
		return assignResult{UserID: userID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return assignResult{UserID: userID, Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var parsed struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return assignResult{UserID: userID, StatusCode: resp.StatusCode, Err: fmt.Errorf("bad JSON: %s", raw)}
	}
	return assignResult{UserID: userID, StatusCode: resp.StatusCode, Detail: parsed.Detail}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
