// codeloft-cli is a thin operator CLI over the runtime core's REST surface.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	server := os.Getenv("CODELOFT_SERVER_URL")
	if server == "" {
		server = "http://localhost:8080"
	}

	switch os.Args[1] {
	case "status":
		cmdStatus(server)
	case "session":
		cmdSession(server)
	case "webhooks":
		cmdWebhooks(server)
	case "token":
		cmdToken(server)
	case "version":
		fmt.Printf("codeloft-cli v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Codeloft Runtime Core CLI v` + version + `

Usage: codeloft-cli <command> [flags]

Commands:
  status     Show orchestrator counters
  session    Show one session record
  webhooks   List/add/remove webhook subscriptions
  token      Mint a gateway token
  version    Print version
  help       Show this help

Environment:
  CODELOFT_SERVER_URL   Runtime core URL (default: http://localhost:8080)

Examples:
  codeloft-cli status
  codeloft-cli session sess-1a2b3c
  codeloft-cli webhooks add --url https://ci.example.com/hook --secret s3cret
  codeloft-cli token --user u-1 --account acct-9 --ttl 3600`)
}

// ----------------------------------------------------------------
// status command
// ----------------------------------------------------------------

func cmdStatus(server string) {
	resp, err := doRequest(http.MethodGet, server+"/v1/status", nil)
	if err != nil {
		fail("request failed: %v", err)
	}

	var stats map[string]interface{}
	json.Unmarshal(resp, &stats)
	for k, v := range stats {
		fmt.Printf("%-24s %v\n", k, v)
	}
}

// ----------------------------------------------------------------
// session command
// ----------------------------------------------------------------

func cmdSession(server string) {
	if len(os.Args) < 3 {
		fail("usage: codeloft-cli session <session-id>")
	}
	resp, err := doRequest(http.MethodGet, server+"/v1/sessions/"+os.Args[2], nil)
	if err != nil {
		fail("request failed: %v", err)
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, resp, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(resp))
	}
}

// ----------------------------------------------------------------
// webhooks command
// ----------------------------------------------------------------

func cmdWebhooks(server string) {
	if len(os.Args) < 3 {
		fail("usage: codeloft-cli webhooks <list|add|remove>")
	}

	switch os.Args[2] {
	case "list":
		resp, err := doRequest(http.MethodGet, server+"/v1/webhooks", nil)
		if err != nil {
			fail("request failed: %v", err)
		}
		var subs []struct {
			ID     string   `json:"id"`
			URL    string   `json:"url"`
			Events []string `json:"events"`
			Active bool     `json:"active"`
		}
		json.Unmarshal(resp, &subs)
		if len(subs) == 0 {
			fmt.Println("No webhooks registered.")
			return
		}
		fmt.Printf("%-12s %-8s %-40s %s\n", "ID", "ACTIVE", "URL", "EVENTS")
		fmt.Println("----------------------------------------------------------------------")
		for _, s := range subs {
			events := "all"
			if len(s.Events) > 0 {
				events = fmt.Sprint(s.Events)
			}
			fmt.Printf("%-12s %-8v %-40s %s\n", s.ID, s.Active, s.URL, events)
		}

	case "add":
		var url, secret string
		var events []string
		args := os.Args[3:]
		for i := 0; i < len(args); i++ {
			switch args[i] {
			case "--url":
				i++
				if i < len(args) {
					url = args[i]
				}
			case "--secret":
				i++
				if i < len(args) {
					secret = args[i]
				}
			case "--event":
				i++
				if i < len(args) {
					events = append(events, args[i])
				}
			}
		}
		if url == "" {
			fail("usage: codeloft-cli webhooks add --url <url> [--secret <secret>] [--event <type>]...")
		}
		body, _ := json.Marshal(map[string]interface{}{
			"url": url, "secret": secret, "events": events,
		})
		resp, err := doRequest(http.MethodPost, server+"/v1/webhooks", body)
		if err != nil {
			fail("request failed: %v", err)
		}
		var sub struct {
			ID string `json:"id"`
		}
		json.Unmarshal(resp, &sub)
		fmt.Printf("Registered webhook %s -> %s\n", sub.ID, url)

	case "remove":
		if len(os.Args) < 4 {
			fail("usage: codeloft-cli webhooks remove <id>")
		}
		if _, err := doRequest(http.MethodDelete, server+"/v1/webhooks/"+os.Args[3], nil); err != nil {
			fail("request failed: %v", err)
		}
		fmt.Printf("Removed webhook %s\n", os.Args[3])

	default:
		fail("usage: codeloft-cli webhooks <list|add|remove>")
	}
}

// ----------------------------------------------------------------
// token command
// ----------------------------------------------------------------

func cmdToken(server string) {
	var user, account string
	ttl := 3600
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--user":
			i++
			if i < len(args) {
				user = args[i]
			}
		case "--account":
			i++
			if i < len(args) {
				account = args[i]
			}
		case "--ttl":
			i++
			if i < len(args) {
				ttl, _ = strconv.Atoi(args[i])
			}
		}
	}
	if user == "" {
		fail("usage: codeloft-cli token --user <id> [--account <id>] [--ttl <seconds>]")
	}

	body, _ := json.Marshal(map[string]interface{}{
		"user_id": user, "account_id": account, "ttl_seconds": ttl,
	})
	resp, err := doRequest(http.MethodPost, server+"/v1/tokens", body)
	if err != nil {
		fail("request failed: %v", err)
	}
	var out struct {
		Token string `json:"token"`
	}
	json.Unmarshal(resp, &out)
	fmt.Println(out.Token)
}

// ----------------------------------------------------------------
// helpers
// ----------------------------------------------------------------

func doRequest(method, url string, body []byte) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s: %s", resp.Status, raw)
	}
	return raw, nil
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
